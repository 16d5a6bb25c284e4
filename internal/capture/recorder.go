package capture

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/session"
)

const recorderListener = "capture"

// Recorder persists every packet of one session.
type Recorder struct {
	db        *DB
	sessionID string
	seq       atomic.Int64
	failures  atomic.Int64
	logger    *logrus.Logger
}

// Record registers sess in the database and starts persisting its packets.
func Record(ctx context.Context, db *DB, sess *session.Session) (*Recorder, error) {
	if err := db.BeginSession(ctx, sess.ID(), sess.Address(), sess.Name(), sess.StartedAt()); err != nil {
		return nil, err
	}

	r := &Recorder{db: db, sessionID: sess.ID(), logger: db.logger}
	if err := sess.Subscribe(recorderListener, r.HandleEvent); err != nil {
		return nil, err
	}

	db.logger.WithField("session", sess.ID()).Info("Recording session")
	return r, nil
}

// HandleEvent stores one packet. Listener delivery is sequential so seq follows append order.
func (r *Recorder) HandleEvent(ev session.Event) {
	seq := r.seq.Add(1)
	if err := r.db.InsertPacket(context.Background(), r.sessionID, seq, ev.Packet); err != nil {
		if r.failures.Add(1) == 1 {
			r.logger.WithError(err).Error("Failed to record packet")
		}
	}
}

// Recorded returns the number of packets handed to the recorder.
func (r *Recorder) Recorded() int64 { return r.seq.Load() }

// Stop detaches from sess and stamps the session end.
func (r *Recorder) Stop(sess *session.Session) error {
	sess.Unsubscribe(recorderListener)

	if n := r.failures.Load(); n > 0 {
		r.logger.WithFields(logrus.Fields{
			"session":  r.sessionID,
			"failures": n,
		}).Warn("Some packets were not recorded")
	}
	return r.db.EndSession(context.Background(), r.sessionID, time.Now())
}
