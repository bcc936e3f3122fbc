package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/publisher"
)

// triggerOutput is printed by -trigger. Sequence is omitted when the ledger
// count could not be read.
type triggerOutput struct {
	OK       bool    `json:"ok"`
	Sequence *uint64 `json:"sequence,omitempty"`
	Key      string  `json:"key,omitempty"`
	TxID     string  `json:"txId,omitempty"`
	Error    string  `json:"error,omitempty"`
	Kind     string  `json:"kind,omitempty"`
}

// runTrigger performs exactly one publish cycle and returns the exit code.
func runTrigger(ctx context.Context, out io.Writer) int {
	st, closeStore, err := openStore(ctx)
	if err != nil {
		return writeTrigger(out, triggerOutput{Error: err.Error(), Kind: string(publisher.KindLedgerUnavailable)})
	}
	defer closeStore()

	pub, err := newPublisher(st, nil)
	if err != nil {
		return writeTrigger(out, triggerOutput{Error: err.Error()})
	}
	defer pub.Close()

	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), *cycleTimeout)
	defer cancel()
	res, err := pub.Cycle(cycleCtx)
	return writeTrigger(out, triggerResult(res, err))
}

func triggerResult(res publisher.Result, err error) triggerOutput {
	if err == nil {
		seq := res.Sequence
		return triggerOutput{OK: true, Sequence: &seq, Key: res.Key, TxID: res.TxID}
	}
	o := triggerOutput{Error: err.Error()}
	var cerr *publisher.CycleError
	if errors.As(err, &cerr) {
		o.Kind = string(cerr.Kind)
		if cerr.Sequence >= 0 {
			seq := uint64(cerr.Sequence)
			o.Sequence = &seq
		}
	}
	return o
}

func writeTrigger(out io.Writer, o triggerOutput) int {
	enc := json.NewEncoder(out)
	if err := enc.Encode(o); err != nil {
		logrus.Errorf("write trigger result: %v", err)
		return 1
	}
	if !o.OK {
		return 1
	}
	return 0
}
