package rest

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

const maxBodyBytes = 1 << 20

type submitBidRequest struct {
	BidderID  uuid.UUID       `json:"bidder_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

type resolveChallengeRequest struct {
	Proof string `json:"proof" validate:"required,max=512"`
}

type acknowledgeRequest struct {
	Note string `json:"note" validate:"max=1024"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and runs struct validation.
func (s *Server) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.NewValidationError("EMPTY_BODY", "request body is required")
		}
		return errors.NewValidationError("MALFORMED_BODY", "request body is not valid JSON").WithCause(err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return errors.NewValidationError("INVALID_REQUEST", "request failed validation").WithCause(err)
		}
		fields := make(map[string]interface{}, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return errors.NewValidationError("INVALID_REQUEST", "request failed validation").
			WithDetails(map[string]interface{}{"fields": fields})
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be omitted.
func (s *Server) decodeOptional(r *http.Request, dst interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := s.decode(r, dst)
	if errors.CodeOf(err) == "EMPTY_BODY" {
		return nil
	}
	return err
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, errors.NewValidationError("INVALID_ID", name+" must be a UUID")
	}
	return id, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_QUERY", name+" must be a UUID")
	}
	return &id, nil
}

// signalFilter reads GET /v1/admin/signals query parameters.
func signalFilter(r *http.Request) (fraud.Filter, error) {
	q := r.URL.Query()
	var f fraud.Filter
	var err error
	if f.SubjectID, err = queryUUID(r, "subject_id"); err != nil {
		return f, err
	}
	if f.AuctionID, err = queryUUID(r, "auction_id"); err != nil {
		return f, err
	}
	for _, k := range q["kind"] {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Kinds = append(f.Kinds, fraud.Kind(part))
			}
		}
	}
	if sev := q.Get("min_severity"); sev != "" {
		f.MinSeverity = fraud.Severity(sev)
		if !f.MinSeverity.Valid() {
			return f, errors.NewValidationError("INVALID_QUERY", "min_severity must be low, medium, high or critical")
		}
	}
	switch st := fraud.Status(q.Get("status")); st {
	case "", fraud.StatusOpen, fraud.StatusReviewed:
		f.Status = st
	default:
		return f, errors.NewValidationError("INVALID_QUERY", "status must be open or reviewed")
	}
	if since := q.Get("since"); since != "" {
		if f.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return f, errors.NewValidationError("INVALID_QUERY", "since must be an RFC 3339 timestamp")
		}
	}
	f.Limit = 100
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 1000 {
			return f, errors.NewValidationError("INVALID_QUERY", "limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}
