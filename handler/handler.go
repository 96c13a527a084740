package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

// Relayer is the use case the webhook forwards updates to.
type Relayer interface {
	Relay(ctx context.Context, upd domain.Update) (usecase.Result, error)
}

// Handler serves the Telegram webhook. Responses never carry a body: 200 when
// the update was handled or ignored, 500 when processing failed.
type Handler struct {
	relay Relayer
}

func NewHandler(r Relayer) (*Handler, error) {
	if r == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	return &Handler{relay: r}, nil
}

// Handle is the AWS Lambda entry point for API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(req)
	logger := slog.With("correlation_id", correlationID)

	body := req.Body
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			logger.Error("webhook: decode base64 body", "err", err)
			return respond(http.StatusInternalServerError, correlationID), nil
		}
		body = string(decoded)
	}

	upd, err := parseUpdate(body)
	if err != nil {
		logger.Error("webhook: parse update", "err", err)
		return respond(http.StatusInternalServerError, correlationID), nil
	}

	res, err := h.relay.Relay(ctx, upd)
	if err != nil {
		logger.Error("webhook: relay failed",
			"update_id", upd.UpdateID,
			"code", errorCode(err),
			"trace", res.Trace,
			"err", err,
		)
		return respond(http.StatusInternalServerError, correlationID), nil
	}

	logger.Info("webhook: update handled", "update_id", upd.UpdateID, "outcome", res.Outcome)
	return respond(http.StatusOK, correlationID), nil
}

// ServeHTTP adapts a plain HTTP request to Handle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	resp, _ := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(raw),
	})
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
}

// parseUpdate treats an empty body as an update without a message.
func parseUpdate(body string) (domain.Update, error) {
	var upd domain.Update
	if strings.TrimSpace(body) == "" {
		return upd, nil
	}
	if err := json.Unmarshal([]byte(body), &upd); err != nil {
		return domain.Update{}, err
	}
	return upd, nil
}

func respond(status int, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: "",
	}
}

func resolveCorrelationID(req events.APIGatewayProxyRequest) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if id := strings.TrimSpace(req.RequestContext.RequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func errorCode(err error) string {
	var usecaseErr *usecase.Error
	if errors.As(err, &usecaseErr) {
		return string(usecaseErr.Code)
	}
	return "UNKNOWN"
}
