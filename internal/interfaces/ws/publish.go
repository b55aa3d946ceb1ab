package ws

import (
	"net/http"

	"github.com/astraly-labs/pragma-node/internal/admission"
	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// ServePublish runs one publisher push session: the client pushes batches
// as update frames, the server replies per batch with an ack or an error
// carrying the first failing index. The session registers against the
// per-publisher cap on the first batch; a newer session supersedes it.
func (c *Channels) ServePublish(w http.ResponseWriter, r *http.Request) {
	sess, ok := c.upgrade(w, r, "publish")
	if !ok {
		return
	}
	defer c.release("publish", sess)

	go sess.writePump()

	var registered *admission.Session
	defer func() {
		if registered != nil {
			c.Sessions.Release(registered)
		}
	}()

	register := func(publisher string) {
		if registered != nil && registered.Publisher == publisher {
			return
		}
		if registered != nil {
			c.Sessions.Release(registered)
		}
		registered = c.Sessions.Register(publisher, func(reason string) {
			sess.closeWith(reason)
		})
	}

	for {
		frame, ok := sess.readFrame()
		if !ok {
			return
		}
		if frame == nil {
			sess.enqueue(errorFrame(oracle.InvalidInput("malformed frame")))
			continue
		}
		switch frame.Type {
		case TypeUpdate:
			switch {
			case frame.SpotBatch != nil:
				register(frame.SpotBatch.Publisher)
				res, err := c.Pipeline.SubmitSpot(sess.ctx, *frame.SpotBatch)
				if err != nil {
					sess.enqueue(errorFrame(err))
					continue
				}
				c.Metrics.EntriesAdmitted.WithLabelValues(frame.SpotBatch.Publisher, "spot-entry").Add(float64(res.Count))
				sess.enqueue(ackFrame(res))
			case frame.FutureBatch != nil:
				register(frame.FutureBatch.Publisher)
				res, err := c.Pipeline.SubmitFuture(sess.ctx, *frame.FutureBatch)
				if err != nil {
					sess.enqueue(errorFrame(err))
					continue
				}
				c.Metrics.EntriesAdmitted.WithLabelValues(frame.FutureBatch.Publisher, "future-entry").Add(float64(res.Count))
				sess.enqueue(ackFrame(res))
			case frame.FundingBatch != nil:
				register(frame.FundingBatch.Publisher)
				res, err := c.Pipeline.SubmitFunding(sess.ctx, *frame.FundingBatch)
				if err != nil {
					sess.enqueue(errorFrame(err))
					continue
				}
				c.Metrics.EntriesAdmitted.WithLabelValues(frame.FundingBatch.Publisher, "funding-rate").Add(float64(res.Count))
				sess.enqueue(ackFrame(res))
			case frame.OIBatch != nil:
				register(frame.OIBatch.Publisher)
				res, err := c.Pipeline.SubmitOpenInterest(sess.ctx, *frame.OIBatch)
				if err != nil {
					sess.enqueue(errorFrame(err))
					continue
				}
				c.Metrics.EntriesAdmitted.WithLabelValues(frame.OIBatch.Publisher, "open-interest").Add(float64(res.Count))
				sess.enqueue(ackFrame(res))
			default:
				sess.enqueue(errorFrame(oracle.InvalidInput("update frame carries no batch")))
			}
		case TypePing:
			sess.enqueue(ServerFrame{Type: TypePong})
		default:
			sess.enqueue(errorFrame(oracle.InvalidInput("unexpected frame type %q", frame.Type)))
		}
	}
}
