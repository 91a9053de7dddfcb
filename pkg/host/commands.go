package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/protocol"
)

// Status issues get_status. Safe to retry: it is a pure read.
func (s *Session) Status(ctx context.Context) (map[string]any, error) {
	resp, err := s.Do(ctx, protocol.Request{Cmd: protocol.CmdGetStatus}, ClassShort)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Capabilities issues get_capabilities and decodes the manifest.
func (s *Session) Capabilities(ctx context.Context) (*capability.Manifest, error) {
	resp, err := s.Do(ctx, protocol.Request{Cmd: protocol.CmdGetCapabilities}, ClassShort)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("re-encode manifest: %w", err)
	}
	var m capability.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// ProvisionFactory writes the factory partition. Mutating — never
// auto-retried.
func (s *Session) ProvisionFactory(ctx context.Context, fields map[string]any) (map[string]any, error) {
	resp, err := s.Do(ctx, protocol.Request{
		Cmd:    protocol.CmdFactoryProvision,
		Params: fields,
	}, ClassShort)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ProvisionConsumer writes the consumer partition. Mutating — never
// auto-retried.
func (s *Session) ProvisionConsumer(ctx context.Context, fields map[string]any) (map[string]any, error) {
	resp, err := s.Do(ctx, protocol.Request{
		Cmd:    protocol.CmdConsumerProvision,
		Params: fields,
	}, ClassShort)
	if err != nil {
		return nil, err
	}
	if err := respErr(resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// RunTest executes one capability test on the unit. Long class: network
// tests can block on physical input.
func (s *Session) RunTest(ctx context.Context, cap, test string, params map[string]any) (protocol.Response, error) {
	return s.Do(ctx, protocol.Request{
		Cmd:        protocol.CmdRunTest,
		Capability: cap,
		TestName:   test,
		Params:     params,
	}, ClassLong)
}

// TestResult is one entry in a run-all-tests report.
type TestResult struct {
	Capability string         `json:"capability"`
	Test       string         `json:"test"`
	Passed     bool           `json:"passed"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// RunAllTests dispatches every advertised test one at a time, in the
// order the manifest advertises support, awaiting each response before
// issuing the next. The protocol has no pipelining, so there is never a
// second request outstanding. A failing test is recorded and the run
// continues.
func (s *Session) RunAllTests(ctx context.Context) ([]TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ClassAggregate.Deadline())
	defer cancel()

	manifest, err := s.Capabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	var results []TestResult
	for _, def := range manifest.Enabled() {
		for _, spec := range def.Tests {
			resp, err := s.RunTest(ctx, string(def.Name), spec.Name, nil)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
					return results, err
				}
				results = append(results, TestResult{
					Capability: string(def.Name),
					Test:       spec.Name,
					ErrorCode:  "host_timeout",
				})
				continue
			}
			results = append(results, TestResult{
				Capability: string(def.Name),
				Test:       spec.Name,
				Passed:     resp.OK(),
				ErrorCode:  resp.ErrorCode(),
				Data:       resp.Data,
			})
		}
	}
	return results, nil
}

// Reset issues a consumer or factory reset. The unit sends its success
// response first and then reboots, so the transport is expected to drop
// right after. A timeout here is therefore reported as assumed=true:
// unreachability is the documented outcome, not a failure.
func (s *Session) Reset(ctx context.Context, factory bool) (assumed bool, err error) {
	cmd := protocol.CmdConsumerReset
	if factory {
		cmd = protocol.CmdFactoryReset
	}

	resp, err := s.Do(ctx, protocol.Request{Cmd: cmd}, ClassShort)
	switch {
	case err == nil:
		return false, respErr(resp)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed):
		log.Warn().Str("session", s.name).Str("cmd", cmd).
			Msg("No reset confirmation; assuming the unit rebooted")
		return true, nil
	default:
		return false, err
	}
}

// Reboot restarts the unit. Same assume-it-happened contract as Reset.
func (s *Session) Reboot(ctx context.Context) (assumed bool, err error) {
	resp, err := s.Do(ctx, protocol.Request{Cmd: protocol.CmdReboot}, ClassShort)
	switch {
	case err == nil:
		return false, respErr(resp)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed):
		return true, nil
	default:
		return false, err
	}
}

// ExitServiceMode returns the unit to its normal application behavior.
func (s *Session) ExitServiceMode(ctx context.Context) error {
	resp, err := s.Do(ctx, protocol.Request{Cmd: protocol.CmdExitServiceMode}, ClassShort)
	if err != nil {
		return err
	}
	return respErr(resp)
}
