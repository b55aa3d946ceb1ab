package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/astraly-labs/pragma-node/internal/admission"
	"github.com/astraly-labs/pragma-node/internal/aggregate"
	"github.com/astraly-labs/pragma-node/internal/merkle"
	"github.com/astraly-labs/pragma-node/internal/sched"
	"github.com/astraly-labs/pragma-node/internal/telemetry"
)

// Channels owns the dependencies shared by all three channel families.
type Channels struct {
	Engine   *aggregate.Engine
	Pipeline *admission.Pipeline
	Sessions *admission.SessionTable
	Merkle   *merkle.Cache
	Metrics  *telemetry.Metrics
	Log      zerolog.Logger
	Cadence  time.Duration

	upgrader websocket.Upgrader
}

// NewChannels builds the channel families with the default cadence.
func NewChannels(engine *aggregate.Engine, pipeline *admission.Pipeline, sessions *admission.SessionTable, mc *merkle.Cache, metrics *telemetry.Metrics, log zerolog.Logger) *Channels {
	return &Channels{
		Engine:   engine,
		Pipeline: pipeline,
		Sessions: sessions,
		Merkle:   mc,
		Metrics:  metrics,
		Log:      log.With().Str("component", "ws").Logger(),
		Cadence:  sched.DefaultCadence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (c *Channels) upgrade(w http.ResponseWriter, r *http.Request, channel string) (*session, bool) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Log.Warn().Err(err).Str("channel", channel).Msg("upgrade failed")
		return nil, false
	}
	log := c.Log.With().Str("channel", channel).Str("remote", r.RemoteAddr).Logger()
	s := newSession(r.Context(), conn, log, func() { c.Metrics.WSFramesDropped.Inc() })
	c.Metrics.WSSessions.WithLabelValues(channel).Inc()
	return s, true
}

func (c *Channels) release(channel string, s *session) {
	s.closeWith("client-closed")
	c.Metrics.WSSessions.WithLabelValues(channel).Dec()
}
