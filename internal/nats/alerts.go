package nats

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// alertSubjectPrefix is where the rest of the system (booking engine,
// referral processor) publishes per-user notices: alerts.user.<identity>.
const alertSubjectPrefix = "alerts.user."

// AlertMessage is the wire format of an out-of-band notice, such as a
// referral credit celebration.
type AlertMessage struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// AlertHandler receives decoded alerts with the target identity parsed
// from the subject.
type AlertHandler func(identity, kind string, data map[string]any)

// SubscribeAlerts subscribes to the per-user alert subjects and invokes
// the handler for each decoded notice. Malformed payloads are dropped.
func (c *Client) SubscribeAlerts(handler AlertHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(alertSubjectPrefix+"*", func(msg *nats.Msg) {
		identity := strings.TrimPrefix(msg.Subject, alertSubjectPrefix)
		if identity == "" {
			return
		}

		var alert AlertMessage
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			c.logger.Warn("dropping malformed alert",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		handler(identity, alert.Kind, alert.Data)
	})
}
