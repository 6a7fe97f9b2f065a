package mqtt

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

const describeLimit = 64

// describe renders packet for logs, PUBLISH payload is quoted and cut to describeLimit bytes.
func describe(p packet.Generic) string {
	switch pt := p.(type) {
	case nil:
		return "nil"
	case *packet.Publish:
		m := &pt.Message
		payload, more := m.Payload, ""
		if len(payload) > describeLimit {
			payload, more = payload[:describeLimit], "..."
		}
		return fmt.Sprintf("PUBLISH id=%d topic=%s qos=%d retain=%t payload=%q%s",
			pt.ID, m.Topic, m.QOS, m.Retain, payload, more)
	}
	return p.String()
}
