package receiver

import (
	"context"
	"math/rand/v2"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/transport/websocketresource"
	"e2e_multidevice/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Backoff bounds the randomized exponential wait between reachability checks.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

var DefaultBackoff = Backoff{Initial: time.Second, Max: 2 * time.Minute}

// delay returns a random duration in [d/2, d) for d = Initial*2^attempt.
func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	d = min(d, b.Max)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// Run keeps the message socket open until ctx ends or the socket is closed
// normally. After an abnormal close it pings the server: a network failure
// waits for Online or the backoff, an auth failure is reported and ends the
// loop, success reconnects.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.work(ctx)

	opts := websocketresource.Options{
		HandleRequest: r.HandleRequest,
		OnError:       r.emitError,
		KeepAlive:     &r.keepAlive,
	}

	for {
		res, err := r.api.OpenMessageSocket(ctx, opts)
		if err == nil {
			log.Info("message socket open")
			r.api.AttachSocket(res)

			select {
			case <-ctx.Done():
				res.Close(websocket.CloseNormalClosure, "closed")
				return ctx.Err()
			case <-res.Done():
			}

			r.api.AttachSocket(nil)
			code, reason := res.CloseCode()
			if code == websocket.CloseNormalClosure {
				log.Info("message socket closed")
				return nil
			}
			log.Warn("message socket closed abnormally", zap.Int("code", code), zap.String("reason", reason))
		} else {
			log.Warn("open message socket failed", zap.Error(err))
			if errs.IsKind(err, errs.KindAuth) {
				r.emitError(err)
				return err
			}
		}

		if err := r.waitReachable(ctx); err != nil {
			return err
		}
	}
}

func (r *Receiver) waitReachable(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := r.api.Ping(ctx)
		switch {
		case err == nil:
			return nil
		case errs.IsKind(err, errs.KindAuth):
			r.emitError(err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := r.backoff.delay(attempt)
		log.Debug("server unreachable", zap.Duration("retry_in", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.online:
			t.Stop()
		case <-t.C:
		}
	}
}
