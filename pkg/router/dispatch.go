package router

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"go.uber.org/zap"
)

// Result is a successful worker reply
type Result struct {
	InstanceID string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Dispatch places the request and forwards it to the chosen instance. A failed
// forward is charged to that instance and the request is placed again, at most
// once per fleet member counted at admission.
func (r *Router) Dispatch(ctx context.Context, fp fingerprint.Fingerprint, rawQuery string, requestID string) (*Result, error) {
	attempts := r.fleet.Len()
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		placement, err := r.OnReceiveRequest(fp)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %w", err, lastErr)
			}
			return nil, err
		}

		result, err := r.forwardToInstance(ctx, placement.Instance, rawQuery, requestID)
		if err == nil {
			r.OnInstanceSuccess(rawQuery, placement)
			return result, nil
		}

		if ctx.Err() != nil {
			// caller went away; the instance is not at fault
			placement.Instance.RemoveCost(placement.EstimatedCost)
			return nil, fmt.Errorf("%w: %w", ErrDispatchFailed, ctx.Err())
		}

		r.OnInstanceFailure(placement)
		r.metrics.DispatchRetry()
		r.logger.Warn("forward failed",
			zap.String("request_id", requestID),
			zap.String("instance", placement.Instance.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrNoCapacity, attempts, lastErr)
}

// instanceURL builds the worker URL. Addresses without a port use the configured worker port.
func (r *Router) instanceURL(inst *fleet.Instance, path, rawQuery string) string {
	host := inst.Address
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(r.config.WorkerPort))
	}
	target := "http://" + host + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func (r *Router) forwardToInstance(ctx context.Context, inst *fleet.Instance, rawQuery, requestID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	forwardReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.instanceURL(inst, r.config.ScanEndpoint, rawQuery), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	forwardReq.Header.Set("X-Request-ID", requestID)

	resp, err := r.httpClient.Do(forwardReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDispatchFailed, inst.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %w", ErrDispatchFailed, inst.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s answered %s", ErrDispatchFailed, inst.ID, resp.Status)
	}

	return &Result{
		InstanceID: inst.ID,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}
