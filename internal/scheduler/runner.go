// Package scheduler implements the Scheduled-Task Runner: one task per
// configured cron entry, each optionally gated by a pre-condition read
// before it builds calldata and submits through the Transaction
// Executor.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	robfigcron "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/omikuji-oracle/omikuji/internal/chain"
	"github.com/omikuji-oracle/omikuji/internal/config"
	"github.com/omikuji-oracle/omikuji/internal/executor"
	"github.com/omikuji-oracle/omikuji/internal/logging"
)

// Runner drives one scheduled task's cron-fired check-and-submit cycle
// for the lifetime of the process.
type Runner struct {
	task    config.ScheduledTask
	network config.Network

	rpc      *chain.RPCClient
	executor *executor.Executor
	schedule robfigcron.Schedule
	log      *logrus.Entry
}

// New builds a Runner for one scheduled task, reading check_condition
// through rpc (the network's cached read client, never a signer
// client). The cron expression is parsed eagerly so a malformed
// schedule fails at startup, not on first firing.
func New(task config.ScheduledTask, network config.Network, rpc *chain.RPCClient, exec *executor.Executor, log *logging.Logger) (*Runner, error) {
	schedule, err := robfigcron.ParseStandard(task.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: task %s: parse schedule %q: %w", task.Name, task.Schedule, err)
	}
	return &Runner{
		task:     task,
		network:  network,
		rpc:      rpc,
		executor: exec,
		schedule: schedule,
		log:      log.WithTask(network.Name, task.Name),
	}, nil
}

// Run blocks, firing at each cron occurrence, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	next := r.schedule.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		next = r.schedule.Next(time.Now())
		r.fire(ctx)
	}
}

// fire runs exactly one check-and-submit cycle and never returns an
// error: every failure is logged and suppressed so one bad task cannot
// stop the Runner.
func (r *Runner) fire(ctx context.Context) {
	if r.task.CheckCondition != nil {
		ok, err := r.evaluateCondition(ctx, *r.task.CheckCondition)
		if err != nil {
			r.log.Warn("check_condition read failed: " + err.Error())
			return
		}
		if !ok {
			return
		}
	}

	calldata, err := buildCalldata(r.task.TargetFunction)
	if err != nil {
		r.log.Warn("build target_function calldata failed: " + err.Error())
		return
	}

	txCtx := executor.Context{
		Network: r.network.Name,
		Name:    r.task.Name,
		TxType:  r.network.TransactionType,
		Purpose: executor.PurposeScheduledTask,
	}
	to := common.HexToAddress(r.task.TargetFunction.ContractAddress)
	outcome, err := r.executor.Submit(ctx, txCtx, to, calldata, r.task.Gas.Merge(r.network.Gas))
	if err != nil {
		r.log.Warn("submit failed: " + err.Error())
		return
	}
	if outcome.Status != executor.StatusSuccess {
		r.log.WithField("status", string(outcome.Status)).Warn("scheduled task transaction did not succeed")
	}
}

// evaluateCondition reads the configured property/function, decodes its
// result as a single bool and compares it to expected_value, which must
// be "true" or "false". Results of other types are not supported.
func (r *Runner) evaluateCondition(ctx context.Context, cond config.ContractCall) (bool, error) {
	sigText := cond.Signature
	if sigText == "" {
		sigText = cond.Function
	}
	sig, err := chain.ParseSignature(sigText)
	if err != nil {
		return false, err
	}
	if len(sig.Types) != 0 {
		return false, fmt.Errorf("scheduler: check_condition %q must be a zero-argument read", sigText)
	}

	calldata, err := chain.EncodeCall(sig, nil)
	if err != nil {
		return false, err
	}
	data, err := r.rpc.CallContract(ctx, common.HexToAddress(cond.ContractAddress), calldata)
	if err != nil {
		return false, err
	}

	actual, err := chain.DecodeBoolProperty(data)
	if err != nil {
		return false, err
	}
	expected, err := parseExpectedBool(cond.ExpectedValue)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

func parseExpectedBool(raw string) (bool, error) {
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("scheduler: expected_value %q is not a bool literal", raw)
	}
}

func buildCalldata(fn config.ContractCall) ([]byte, error) {
	sigText := fn.Signature
	if sigText == "" {
		sigText = fn.Function
	}
	sig, err := chain.ParseSignature(sigText)
	if err != nil {
		return nil, err
	}
	params := make([]chain.EncodedParameter, len(fn.Parameters))
	for i, p := range fn.Parameters {
		params[i] = chain.EncodedParameter{Value: p.Value, SolidityType: string(p.SolidityType)}
	}
	return chain.EncodeCall(sig, params)
}
