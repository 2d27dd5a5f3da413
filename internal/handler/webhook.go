package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/makkenzo/activation-platform/internal/gateway"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/makkenzo/activation-platform/internal/service"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Acker interface {
	Ack(method gateway.Method, ok bool) (contentType string, body []byte)
}

var _ Acker = (*gateway.Manager)(nil)

// WebhookHandler receives gateway notifications and answers in the format
// each gateway expects.
type WebhookHandler struct {
	settlement *service.SettlementService
	acker      Acker
	logger     *zap.Logger
}

func NewWebhookHandler(settlement *service.SettlementService, acker Acker, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		settlement: settlement,
		acker:      acker,
		logger:     logger.Named("WebhookHandler"),
	}
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	method := gateway.Method(c.Param("method"))

	raw, err := readCallback(c.Request)
	if err != nil {
		h.logger.Warn("Unreadable webhook", zap.String("method", string(method)), zap.Error(err))
		h.ack(c, method, http.StatusBadRequest, false)
		return
	}

	res, err := h.settlement.HandleCallback(c.Request.Context(), method, raw)
	if err != nil {
		h.logger.Error("Webhook processing failed", zap.String("method", string(method)), zap.Error(err))
		h.ack(c, method, http.StatusInternalServerError, false)
		return
	}

	switch {
	case res.Success:
		h.ack(c, method, http.StatusOK, true)
	case errors.Is(res.Err, ierr.ErrGatewayUnreachable):
		h.ack(c, method, http.StatusServiceUnavailable, false)
	default:
		h.ack(c, method, http.StatusBadRequest, false)
	}
}

func (h *WebhookHandler) ack(c *gin.Context, method gateway.Method, status int, ok bool) {
	contentType, body := h.acker.Ack(method, ok)
	c.Data(status, contentType, body)
}

// readCallback captures the query string, any form or flat JSON fields, the
// headers and the untouched body.
func readCallback(r *http.Request) (gateway.RawCallback, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return gateway.RawCallback{}, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	fields := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return gateway.RawCallback{}, err
		}
		for k, v := range form {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
	case strings.HasPrefix(contentType, "application/json"):
		var doc map[string]any
		if json.Unmarshal(body, &doc) == nil {
			for k, v := range doc {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
		}
	}

	return gateway.RawCallback{
		Fields:  fields,
		Headers: r.Header.Clone(),
		Body:    body,
	}, nil
}
