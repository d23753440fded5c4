package carrier

import (
	"fmt"
	"sort"
	"strings"
)

// xmlEscaper escapes the five XML special characters for TwiML text and
// attribute values.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// StreamTwiML builds the TwiML that connects a call leg to the bridge's
// media-stream websocket. Custom parameters arrive back on the stream's
// start event, which is how per-call instructions survive the carrier
// round-trip. Parameters are emitted in sorted key order for stable output.
func StreamTwiML(wsURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<Response>\n    <Connect>\n")
	fmt.Fprintf(&b, "        <Stream url=%q>\n", xmlEscaper.Replace(wsURL))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "            <Parameter name=%q value=%q/>\n",
			xmlEscaper.Replace(k), xmlEscaper.Replace(params[k]))
	}

	b.WriteString("        </Stream>\n    </Connect>\n</Response>")
	return b.String()
}

// HoldTwiML builds the TwiML that parks a call on hold: an announcement
// followed by hold audio looping until the leg is redirected again.
func HoldTwiML(announcement, holdAudioURL string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<Response>\n")
	if announcement != "" {
		fmt.Fprintf(&b, "    <Say>%s</Say>\n", xmlEscaper.Replace(announcement))
	}
	fmt.Fprintf(&b, "    <Play loop=\"0\">%s</Play>\n", xmlEscaper.Replace(holdAudioURL))
	b.WriteString("</Response>")
	return b.String()
}

// RejectTwiML builds the TwiML that politely turns a caller away (used when
// admission control refuses an inbound call at capacity).
func RejectTwiML(message string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
		"\n<Response>\n    <Say>%s</Say>\n    <Hangup/>\n</Response>",
		xmlEscaper.Replace(message))
}

// PlayDigitsTwiML builds TwiML that plays DTMF tones in-band on the call and
// then reconnects the leg to the media stream so the conversation continues.
func PlayDigitsTwiML(digits, wsURL string, params map[string]string) string {
	stream := StreamTwiML(wsURL, params)
	// Splice the <Play digits> element in after the <Response> open tag.
	insert := fmt.Sprintf("    <Play digits=%q/>\n", xmlEscaper.Replace(digits))
	return strings.Replace(stream, "<Response>\n", "<Response>\n"+insert, 1)
}
