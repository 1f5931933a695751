package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yegors/whisper-gateway/internal/transcription"
)

// transcribeParams are the options shared by both transcription endpoints
type transcribeParams struct {
	URL            string `json:"url" validate:"omitempty,http_url"`
	Model          string `json:"model" validate:"omitempty,whisper_model"`
	Language       string `json:"language" validate:"omitempty,max=32,printascii"`
	Device         string `json:"device" validate:"omitempty,oneof=auto cuda mps cpu"`
	Verbose        bool   `json:"verbose"`
	WordTimestamps bool   `json:"word_timestamps"`
}

// jsonParams mirrors transcribeParams for JSON bodies, where absent booleans
// must keep their defaults
type jsonParams struct {
	URL            string `json:"url"`
	Model          string `json:"model"`
	Language       string `json:"language"`
	Device         string `json:"device"`
	Verbose        *bool  `json:"verbose"`
	WordTimestamps *bool  `json:"word_timestamps"`
}

func (p transcribeParams) request() transcription.Request {
	return transcription.Request{
		Model:          p.Model,
		Language:       p.Language,
		Device:         p.Device,
		Verbose:        p.Verbose,
		WordTimestamps: p.WordTimestamps,
	}
}

// newValidator builds a validator that reports json field names and knows
// the accepted model identifiers
func newValidator(hasModel func(string) bool) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("whisper_model", func(fl validator.FieldLevel) bool {
		return hasModel(fl.Field().String())
	})
	return v
}

// parseParams reads options from the query string and form values, falling
// back to a JSON body when the request carries one
func (h *Handler) parseParams(r *http.Request) (transcribeParams, error) {
	p := transcribeParams{
		Model:          h.service.DefaultModel(),
		WordTimestamps: true,
	}

	if isJSON(r) {
		var body jsonParams
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return p, fmt.Errorf("%w: invalid JSON body: %v", errBadParameter, err)
		}
		p.URL = body.URL
		if body.Model != "" {
			p.Model = body.Model
		}
		p.Language = body.Language
		p.Device = body.Device
		if body.Verbose != nil {
			p.Verbose = *body.Verbose
		}
		if body.WordTimestamps != nil {
			p.WordTimestamps = *body.WordTimestamps
		}
	}

	// Query and form values override the JSON body
	if v := r.FormValue("url"); v != "" {
		p.URL = v
	}
	if v := r.FormValue("model"); v != "" {
		p.Model = v
	}
	if v := r.FormValue("language"); v != "" {
		p.Language = v
	}
	if v := r.FormValue("device"); v != "" {
		p.Device = strings.ToLower(strings.TrimSpace(v))
	}

	var err error
	if p.Verbose, err = formBool(r, "verbose", p.Verbose); err != nil {
		return p, err
	}
	if p.WordTimestamps, err = formBool(r, "word_timestamps", p.WordTimestamps); err != nil {
		return p, err
	}

	p.URL = strings.TrimSpace(p.URL)
	p.Model = strings.TrimSpace(p.Model)
	p.Language = strings.TrimSpace(p.Language)
	p.Device = strings.ToLower(strings.TrimSpace(p.Device))

	if err := h.validate.Struct(p); err != nil {
		return p, validationError(err)
	}
	return p, nil
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s must be a boolean, got %q", errBadParameter, key, v)
	}
	return b, nil
}

func isJSON(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", errBadParameter, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "whisper_model":
			msgs = append(msgs, fmt.Sprintf("unknown model %q", fe.Value()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s, got %q", fe.Field(), fe.Param(), fe.Value()))
		case "http_url":
			msgs = append(msgs, fmt.Sprintf("%s must be an absolute http or https URL", fe.Field()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("invalid %s %q", fe.Field(), fe.Value()))
		}
	}
	return fmt.Errorf("%w: %s", errBadParameter, strings.Join(msgs, "; "))
}
