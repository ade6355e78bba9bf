package broadcast

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const natsSubjectPrefix = "crash.events."

// NatsPublisher mirrors every engine event onto NATS subjects
// (crash.events.<type>) so sibling services can subscribe without going
// through the websocket hub.
type NatsPublisher struct {
	conn *nats.Conn
}

// ConnectNats dials the broker and returns a publisher. An empty URL uses
// the nats.go default.
func ConnectNats(url string) (*NatsPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("crashengine"))
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{conn: conn}, nil
}

func (p *NatsPublisher) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.WithError(err).Error("nats marshal failed")
		return
	}
	if err := p.conn.Publish(natsSubjectPrefix+string(e.Type), data); err != nil {
		log.WithFields(log.Fields{"type": e.Type}).WithError(err).Warn("nats publish failed")
	}
}

func (p *NatsPublisher) Close() {
	p.conn.Close()
}
