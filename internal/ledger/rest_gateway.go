package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/clobworks/exchange/internal/domain"
)

// TokenSource supplies bearer tokens for operator-scoped commands
// (component B, internal/ledger/token). Queries scoped to a party other
// than the operator still need a valid token; this keeps RestGateway
// decoupled from how that token is minted or refreshed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RestGateway is an HTTP implementation of Gateway over a ledger's JSON
// API. Grounded on 0xtitan6-polymarket-mm's resty-based REST client:
// base URL, per-request context, retry on 5xx/network error. Decimals
// are serialized as strings and optional fields are omitted, never null
// (§6.3): callers put decimals into command arguments already as
// strings and leave absent optional fields out of the map, and the wire
// structs use `omitempty`. Template ids are sent as given; Submit and
// QueryActive do not resolve an unqualified "module:entity" through
// LookupPackageID.
type RestGateway struct {
	http   *resty.Client
	tokens TokenSource
	log    *zap.SugaredLogger

	mu          sync.Mutex
	packageIDs  map[string]string // "module:entity" -> packageId, cached indefinitely
}

// NewRestGateway builds a gateway client against baseURL.
func NewRestGateway(baseURL string, tokens TokenSource, timeout time.Duration, log *zap.SugaredLogger) *RestGateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusServiceUnavailable || r.StatusCode() >= 500
		})

	return &RestGateway{
		http:       client,
		tokens:     tokens,
		log:        log,
		packageIDs: make(map[string]string),
	}
}

type submitRequestBody struct {
	CommandID string                   `json:"commandId"`
	ActAs     string                   `json:"actAs"`
	Commands  []commandWireForm        `json:"commands"`
}

type commandWireForm struct {
	Kind       string                 `json:"kind"`
	Template   string                 `json:"templateId"`
	ContractID string                 `json:"contractId,omitempty"`
	Choice     string                 `json:"choice,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
}

type submitResponseBody struct {
	UpdateOffset int64       `json:"updateOffset"`
	Events       []eventWire `json:"events"`
}

type eventWire struct {
	Kind       string                 `json:"kind"`
	TemplateID string                 `json:"templateId"`
	ContractID string                 `json:"contractId"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Choice     string                 `json:"choice,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Offset     int64                  `json:"offset"`
}

func (g *RestGateway) authHeader(ctx context.Context) (string, error) {
	if g.tokens == nil {
		return "", nil
	}
	tok, err := g.tokens.Token(ctx)
	if err != nil {
		return "", NewError(KindUnauthenticated, "acquire operator token", err)
	}
	return "Bearer " + tok, nil
}

// Submit implements Gateway.Submit. The request body is built so that
// optional fields are simply absent (`omitempty`), never serialized as
// null, per §6.3.
func (g *RestGateway) Submit(ctx context.Context, actAs domain.Party, commandID string, cmd Command) (*SubmitResult, error) {
	auth, err := g.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	kind := "create"
	if cmd.Kind == CommandExercise {
		kind = "exercise"
	}

	body := submitRequestBody{
		CommandID: commandID,
		ActAs:     string(actAs),
		Commands: []commandWireForm{{
			Kind:       kind,
			Template:   cmd.Template.String(),
			ContractID: cmd.ContractID,
			Choice:     cmd.Choice,
			Arguments:  cmd.Arguments,
		}},
	}

	var out submitResponseBody
	req := g.http.R().SetContext(ctx).SetBody(body).SetResult(&out)
	if auth != "" {
		req = req.SetHeader("Authorization", auth)
	}
	resp, err := req.Post("/v1/commands/submit")
	if err != nil {
		return nil, NewError(KindTransient, "submit command", err)
	}
	if kerr := classifyStatus(resp.StatusCode(), resp.Body()); kerr != nil {
		return nil, kerr
	}

	events := make([]Event, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, eventFromWire(e))
	}
	return &SubmitResult{UpdateOffset: out.UpdateOffset, Events: events}, nil
}

func eventFromWire(e eventWire) Event {
	return Event{
		Kind:       EventKind(e.Kind),
		Template:   parseTemplateID(e.TemplateID),
		ContractID: e.ContractID,
		Payload:    e.Payload,
		Choice:     e.Choice,
		Arguments:  e.Arguments,
		Offset:     e.Offset,
	}
}

type queryResponseBody struct {
	Contracts []struct {
		ContractID string                 `json:"contractId"`
		TemplateID string                 `json:"templateId"`
		Payload    map[string]interface{} `json:"payload"`
		Offset     int64                  `json:"offset"`
	} `json:"contracts"`
}

// QueryActive implements Gateway.QueryActive. The filter is always
// scoped by party — admin-wide filters are forbidden for non-operator
// callers (§4.A).
func (g *RestGateway) QueryActive(ctx context.Context, templates []TemplateID, party domain.Party) ([]Contract, error) {
	auth, err := g.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	tmplStrs := make([]string, 0, len(templates))
	for _, t := range templates {
		tmplStrs = append(tmplStrs, t.String())
	}

	var out queryResponseBody
	req := g.http.R().SetContext(ctx).SetResult(&out).SetBody(map[string]interface{}{
		"templateIds": tmplStrs,
		"party":       string(party),
	})
	if auth != "" {
		req = req.SetHeader("Authorization", auth)
	}
	resp, err := req.Post("/v1/query")
	if err != nil {
		return nil, NewError(KindTransient, "query active contracts", err)
	}
	if kerr := classifyStatus(resp.StatusCode(), resp.Body()); kerr != nil {
		return nil, kerr
	}

	contracts := make([]Contract, 0, len(out.Contracts))
	for _, c := range out.Contracts {
		contracts = append(contracts, Contract{
			ContractID: c.ContractID,
			Template:   parseTemplateID(c.TemplateID),
			Payload:    c.Payload,
			Offset:     c.Offset,
		})
	}
	return contracts, nil
}

// StreamUpdates implements Gateway.StreamUpdates by long-polling the
// ledger's streaming endpoint and forwarding decoded updates onto a
// channel until ctx is cancelled. The stream is strictly monotone in
// offset per §4.A; callers (Event Fan-out) trust that ordering.
func (g *RestGateway) StreamUpdates(ctx context.Context, fromOffset int64) (<-chan Update, error) {
	out := make(chan Update, 256)

	go func() {
		defer close(out)
		offset := fromOffset
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			auth, err := g.authHeader(ctx)
			if err != nil {
				g.log.Warnw("stream_auth_failed", "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}

			var body struct {
				Updates []struct {
					Offset int64       `json:"offset"`
					Events []eventWire `json:"events"`
				} `json:"updates"`
			}

			req := g.http.R().SetContext(ctx).SetResult(&body).SetQueryParam("since", fmt.Sprintf("%d", offset))
			if auth != "" {
				req = req.SetHeader("Authorization", auth)
			}
			resp, err := req.Get("/v1/updates")
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.log.Warnw("stream_poll_failed", "err", err)
				time.Sleep(time.Second)
				continue
			}
			if resp.StatusCode() != http.StatusOK {
				g.log.Warnw("stream_poll_status", "status", resp.StatusCode())
				time.Sleep(time.Second)
				continue
			}

			for _, u := range body.Updates {
				if u.Offset <= offset {
					continue // stale, already delivered
				}
				events := make([]Event, 0, len(u.Events))
				for _, e := range u.Events {
					events = append(events, eventFromWire(e))
				}
				select {
				case out <- Update{Offset: u.Offset, Events: events}:
					offset = u.Offset
				case <-ctx.Done():
					return
				}
			}

			if len(body.Updates) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
			}
		}
	}()

	return out, nil
}

// LookupPackageID implements Gateway.LookupPackageID, caching the result
// indefinitely per process (§4.A).
func (g *RestGateway) LookupPackageID(ctx context.Context, module, entity string) (string, error) {
	key := module + ":" + entity

	g.mu.Lock()
	if pkg, ok := g.packageIDs[key]; ok {
		g.mu.Unlock()
		return pkg, nil
	}
	g.mu.Unlock()

	auth, err := g.authHeader(ctx)
	if err != nil {
		return "", err
	}

	var out struct {
		PackageID string `json:"packageId"`
	}
	req := g.http.R().SetContext(ctx).SetResult(&out).
		SetQueryParam("module", module).
		SetQueryParam("entity", entity)
	if auth != "" {
		req = req.SetHeader("Authorization", auth)
	}
	resp, err := req.Get("/v1/packages/lookup")
	if err != nil {
		return "", NewError(KindTransient, "lookup package id", err)
	}
	if kerr := classifyStatus(resp.StatusCode(), resp.Body()); kerr != nil {
		return "", kerr
	}

	g.mu.Lock()
	g.packageIDs[key] = out.PackageID
	g.mu.Unlock()

	return out.PackageID, nil
}

func parseTemplateID(s string) TemplateID {
	// "packageId:module:entity" or unqualified "module:entity"
	var pkg, mod, ent string
	parts := splitTemplateID(s)
	if len(parts) == 3 {
		pkg, mod, ent = parts[0], parts[1], parts[2]
	} else if len(parts) == 2 {
		mod, ent = parts[0], parts[1]
	}
	return TemplateID{PackageID: pkg, Module: mod, Entity: ent}
}

func splitTemplateID(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func classifyStatus(status int, body []byte) *Error {
	if status >= 200 && status < 300 {
		return nil
	}

	var reason map[string]interface{}
	_ = json.Unmarshal(body, &reason)

	msg := string(body)
	switch status {
	case http.StatusUnauthorized:
		return &Error{Kind: KindUnauthenticated, Message: msg, Reason: reason}
	case http.StatusForbidden:
		return &Error{Kind: KindPermissionDenied, Message: msg, Reason: reason}
	case http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: msg, Reason: reason}
	case http.StatusConflict:
		return &Error{Kind: KindConflict, Message: msg, Reason: reason}
	case http.StatusBadRequest:
		return &Error{Kind: KindValidation, Message: msg, Reason: reason}
	case 422:
		return &Error{Kind: KindLedgerRejected, Message: msg, Reason: reason}
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: KindTransient, Message: msg, Reason: reason}
	default:
		return &Error{Kind: KindInternal, Message: msg, Reason: reason}
	}
}
