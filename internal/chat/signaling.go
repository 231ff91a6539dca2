package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Relay forwards a signaling payload from c's user to the user named by "to".
// Payload fields are passed through untouched apart from type and from.
func (m *Manager) Relay(c *Client, typ string, fields map[string]json.RawMessage) (bool, error) {
	u, ok := m.sessionOf(c)
	if !ok {
		return false, nil
	}
	var to ID
	if raw, ok := fields["to"]; ok {
		if err := json.Unmarshal(raw, &to); err != nil {
			return false, errors.Wrap(ErrMalformedFrame, "to")
		}
	}
	if to == "" {
		return false, errors.Wrap(ErrMissingField, "to")
	}

	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["from"] = u.UserID
	out["fromName"] = u.DisplayName

	delivered := m.sendToUser(string(to), NewEvent(typ, out))
	if !delivered {
		m.log.Debug("signal target offline", zap.String("type", typ), zap.String("from", u.UserID), zap.String("to", string(to)))
	}
	return delivered, nil
}

func handleSignal(m *Manager, c *Client, env *Envelope) error {
	if _, ok := m.sessionOf(c); !ok {
		return nil
	}
	fields, err := env.Fields()
	if err != nil {
		return err
	}
	delete(fields, "type")
	_, err = m.Relay(c, env.Type, fields)
	return err
}
