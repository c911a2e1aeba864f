package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"clobmm-core/pkg/types"
)

// RESTSubmitter is the production Submitter, posting signed orders to
// the CLOB's REST order endpoint. Grounded on the teacher's
// exchange/client.go PostOrders resty usage; signing itself stays an
// external collaborator reached through SignFunc, matching
// spec.md §6's "order submission port" boundary (the Execution Engine
// never signs orders itself).
type RESTSubmitter struct {
	http   *resty.Client
	sign   SignFunc
	logger *slog.Logger
}

// SignFunc produces the signed order payload the exchange expects for
// one (token, side, price, shares, kind) tuple. Left abstract: EIP-712
// signing lives outside this core, per spec.md §1.
type SignFunc func(token types.TokenID, side types.Side, price, shares decimal.Decimal, kind types.OrderKind) (map[string]any, error)

// NewRESTSubmitter constructs a RESTSubmitter against baseURL.
func NewRESTSubmitter(baseURL string, sign SignFunc, logger *slog.Logger) *RESTSubmitter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(0) // execution submissions are not safe to blindly retry

	return &RESTSubmitter{http: client, sign: sign, logger: logger.With("component", "execution.submitter")}
}

func (s *RESTSubmitter) SubmitIOC(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal) (types.SubmitResult, error) {
	return s.submit(ctx, token, side, price, shares, types.OrderIOC)
}

func (s *RESTSubmitter) SubmitResting(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal) (types.SubmitResult, error) {
	return s.submit(ctx, token, side, price, shares, types.OrderResting)
}

func (s *RESTSubmitter) submit(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal, kind types.OrderKind) (types.SubmitResult, error) {
	payload, err := s.sign(token, side, price, shares, kind)
	if err != nil {
		return types.SubmitResult{}, fmt.Errorf("sign order: %w", err)
	}

	var result struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"errorMsg"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.SubmitResult{}, fmt.Errorf("post order: %w", err)
	}
	if resp.IsError() {
		return types.SubmitResult{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), result.Error)
	}
	if !result.Success {
		return types.SubmitResult{ErrorMessage: result.Error}, fmt.Errorf("order rejected: %s", result.Error)
	}
	return types.SubmitResult{Success: true, OrderID: result.OrderID}, nil
}

// DryRunSubmitter fakes successful submission without any network call,
// grounded on exchange/client.go's `if c.dryRun { ... }` branches in
// PostOrders/CancelOrders.
type DryRunSubmitter struct {
	logger *slog.Logger
}

func NewDryRunSubmitter(logger *slog.Logger) *DryRunSubmitter {
	return &DryRunSubmitter{logger: logger.With("component", "execution.dryrun")}
}

func (s *DryRunSubmitter) SubmitIOC(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal) (types.SubmitResult, error) {
	s.logger.Info("DRY-RUN: would submit IOC order", "token", token, "side", side, "price", price, "shares", shares)
	return types.SubmitResult{Success: true, OrderID: "dry-run-ioc"}, nil
}

func (s *DryRunSubmitter) SubmitResting(ctx context.Context, token types.TokenID, side types.Side, price, shares decimal.Decimal) (types.SubmitResult, error) {
	s.logger.Info("DRY-RUN: would submit resting order", "token", token, "side", side, "price", price, "shares", shares)
	return types.SubmitResult{Success: true, OrderID: "dry-run-resting"}, nil
}
