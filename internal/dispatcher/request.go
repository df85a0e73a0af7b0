package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
)

// MaxResultsLimit is the largest max_results accepted.
const MaxResultsLimit = 1000

const maxBodyBytes = 1 << 20

// CreateRequest is the task-creation payload.
type CreateRequest struct {
	Platform   string   `json:"platform" validate:"required"`
	Keywords   []string `json:"keywords" validate:"required,min=1,dive,required"`
	MaxResults *int     `json:"max_results,omitempty" validate:"omitempty,min=1,max=1000"`
}

// CreateResponse is returned with 202 Accepted.
type CreateResponse struct {
	Success   bool               `json:"success"`
	TaskID    string             `json:"task_id"`
	Status    gateway.TaskStatus `json:"status"`
	Message   string             `json:"message"`
	StatusURL string             `json:"status_url"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler decodes, validates, and submits a task.
func (d *Dispatcher) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := d.parse(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			httpx.WriteError(w, d.logger, err)
			return
		}
		task, err := d.Submit(r.Context(), params)
		if err != nil {
			d.logger.Warn("task submission failed", zap.Error(err))
			httpx.WriteError(w, d.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, CreateResponse{
			Success:   true,
			TaskID:    task.ID,
			Status:    task.Status,
			Message:   "task accepted; poll status_url for the result",
			StatusURL: "/api/crawl/status/" + task.ID,
		})
	}
}

func (d *Dispatcher) parse(body io.Reader) (gateway.TaskParameters, error) {
	var req CreateRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return gateway.TaskParameters{}, gateway.ErrValidation("invalid JSON body")
	}
	req.Platform = strings.TrimSpace(req.Platform)
	for i, kw := range req.Keywords {
		req.Keywords[i] = strings.TrimSpace(kw)
	}
	if err := validate.Struct(req); err != nil {
		return gateway.TaskParameters{}, validationError(err)
	}
	if !d.platformAllowed(req.Platform) {
		return gateway.TaskParameters{}, gateway.ErrValidation(fmt.Sprintf("unsupported platform %q", req.Platform))
	}
	params := gateway.TaskParameters{
		Platform:   req.Platform,
		Keywords:   req.Keywords,
		MaxResults: d.cfg.DefaultMaxResults,
	}
	if req.MaxResults != nil {
		params.MaxResults = *req.MaxResults
	}
	return params, nil
}

func (d *Dispatcher) platformAllowed(platform string) bool {
	if len(d.cfg.Platforms) == 0 {
		return true
	}
	for _, p := range d.cfg.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// validationError maps validator failures onto caller-facing messages.
// Missing fields take precedence over range errors.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return gateway.ErrValidation("invalid request")
	}
	var missing []string
	var other string
	for _, fe := range fieldErrs {
		switch {
		case fe.Field() == "platform" || fe.Field() == "keywords":
			missing = append(missing, fe.Field())
		case strings.HasPrefix(fe.Field(), "keywords["):
			other = "keywords must be non-empty strings"
		case fe.Field() == "max_results":
			other = fmt.Sprintf("max_results must be between 1 and %d", MaxResultsLimit)
		default:
			other = fmt.Sprintf("invalid field %s", fe.Field())
		}
	}
	if len(missing) > 0 {
		return gateway.ErrValidation("missing required fields: " + strings.Join(missing, ", "))
	}
	return gateway.ErrValidation(other)
}
