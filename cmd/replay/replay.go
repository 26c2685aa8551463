package main

import (
	"errors"
	"fmt"
	"io"

	"citybridge.ai/internal/bridge"
	"citybridge.ai/internal/protocol"
	"citybridge.ai/internal/sim/city"
)

type mismatch struct {
	Seq        uint64
	Action     string
	WantStatus protocol.Status
	WantCode   string
	GotStatus  protocol.Status
	GotCode    string
	GotMessage string
}

type report struct {
	Records  int
	Checked  int
	Rejected int // decode failures re-checked without touching the city
	Skipped  int // timeouts and rate-limited requests
	Mismatch []mismatch
}

// replayer feeds recorded commands through a Mailbox and Executor, one tick
// per command, the same path a live request takes.
type replayer struct {
	city *city.City
	mb   *bridge.Mailbox
	exec *bridge.Executor
}

func newReplayer(c *city.City) *replayer {
	mb := bridge.NewMailbox(nil)
	return &replayer{city: c, mb: mb, exec: bridge.NewExecutor(mb, c, nil)}
}

func (r *replayer) apply(cmd protocol.Command) (protocol.Result, error) {
	r.mb.Submit(cmd)
	r.city.StepOnce(r.exec)
	res, ok := r.mb.TryTakeResult()
	if !ok {
		return protocol.Result{}, fmt.Errorf("no result after one tick (mailbox %s)", r.mb.State())
	}
	return res, nil
}

func (r *replayer) run(recs []bridge.CommandRecord, rep *report) error {
	for _, rec := range recs {
		rep.Records++

		// Outcome unknown or never submitted.
		if rec.Code == protocol.ErrTimeout || rec.Code == protocol.ErrRateLimit {
			rep.Skipped++
			continue
		}

		var res protocol.Result
		if rec.Raw != "" {
			_, err := protocol.Decode([]byte(rec.Raw))
			if err == nil {
				res = protocol.Result{Status: protocol.StatusSuccess}
			} else {
				res = protocol.Fail(protocol.ErrProtoBadRequest, err.Error())
				var de *protocol.DecodeError
				if errors.As(err, &de) {
					res = de.Result()
				}
			}
			rep.Rejected++
		} else {
			var err error
			res, err = r.apply(rec.Request.Command())
			if err != nil {
				return fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
		}
		rep.Checked++

		if res.Status != rec.Status || res.Code != rec.Code {
			rep.Mismatch = append(rep.Mismatch, mismatch{
				Seq:        rec.Seq,
				Action:     rec.Request.Action,
				WantStatus: rec.Status,
				WantCode:   rec.Code,
				GotStatus:  res.Status,
				GotCode:    res.Code,
				GotMessage: res.Message,
			})
		}
	}
	return nil
}

func (rep *report) print(w io.Writer, limit int) {
	fmt.Fprintf(w, "records=%d checked=%d rejected=%d skipped=%d mismatches=%d\n",
		rep.Records, rep.Checked, rep.Rejected, rep.Skipped, len(rep.Mismatch))
	for i, m := range rep.Mismatch {
		if limit > 0 && i >= limit {
			fmt.Fprintf(w, "  ... %d more\n", len(rep.Mismatch)-limit)
			break
		}
		fmt.Fprintf(w, "  seq=%d action=%s want=%s/%s got=%s/%s %q\n",
			m.Seq, m.Action, m.WantStatus, m.WantCode, m.GotStatus, m.GotCode, m.GotMessage)
	}
}
