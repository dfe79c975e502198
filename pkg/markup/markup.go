// Package markup renders the XML response body the telephony provider
// interprets after each webhook turn: speak some text, then either
// record the caller's next utterance or hang up.
package markup

import (
	"encoding/xml"
)

// Response is the document returned for one webhook turn. Verbs are
// emitted in declaration order: Say first, then Record or Hangup.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     []Say
	Record  *Record `xml:",omitempty"`
	Hangup  *Hangup `xml:",omitempty"`
}

// Say speaks text to the caller. The text is character data, so the
// XML encoder escapes markup metacharacters on render.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Record captures the caller's next utterance and posts it back to the
// action URL as the next turn.
type Record struct {
	XMLName   xml.Name `xml:"Record"`
	Action    string   `xml:"action,attr"`
	MaxLength int      `xml:"maxLength,attr"`
	PlayBeep  bool     `xml:"playBeep,attr"`
}

// Hangup terminates the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// New starts an empty response.
func New() *Response {
	return &Response{}
}

// WithSay appends a spoken line.
func (r *Response) WithSay(text string) *Response {
	r.Say = append(r.Say, Say{Text: text})
	return r
}

// WithRecord asks the provider to capture the next utterance, posting
// the result to action, bounded to maxSeconds.
func (r *Response) WithRecord(action string, maxSeconds int) *Response {
	r.Record = &Record{Action: action, MaxLength: maxSeconds, PlayBeep: true}
	return r
}

// WithHangup ends the call after any spoken lines.
func (r *Response) WithHangup() *Response {
	r.Hangup = &Hangup{}
	return r
}

// Render serializes the response with an XML declaration. Marshalling
// a static verb tree cannot fail, so Render has no error return.
func (r *Response) Render() []byte {
	body, err := xml.Marshal(r)
	if err != nil {
		// Unreachable for this verb set; keep the response well-formed.
		return []byte(xml.Header + "<Response></Response>")
	}
	return append([]byte(xml.Header), body...)
}
