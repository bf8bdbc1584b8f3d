package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// Gateway-only request fields. They steer routing and are removed before the
// body is forwarded upstream.
const (
	fieldProvider   = "provider"
	fieldRetryCount = "retry_count"
	fieldTimeout    = "timeout"
)

// validate is the shared validator instance; it caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// chatMessage is the part of a message the gateway validates.
type chatMessage struct {
	Role    string          `json:"role"    validate:"required,oneof=system developer user assistant tool function"`
	Content json.RawMessage `json:"content"`
}

// chatRequest is the OpenAI chat-completions shape plus the gateway fields.
type chatRequest struct {
	Model      string        `json:"model"       validate:"required,max=256"`
	Messages   []chatMessage `json:"messages"    validate:"required,min=1,dive"`
	Stream     bool          `json:"stream"`
	Provider   string        `json:"-"           validate:"omitempty,max=128"`
	RetryCount *int          `json:"retry_count" validate:"omitempty,gte=1,lte=20"`
	Timeout    *float64      `json:"timeout"     validate:"omitempty,gt=0,lte=3600"`
}

// RequestError is a client error in the request body.
type RequestError struct {
	Message string
	Fields  map[string]string
}

func (e *RequestError) Error() string { return e.Message }

// ParsedRequest is a validated chat request ready for routing.
type ParsedRequest struct {
	Provider    *provider.Request
	Pin         string
	MaxAttempts int
	Timeout     time.Duration
}

// ParseChatRequest validates an OpenAI-shaped chat completion body, derives
// the capabilities it needs, and strips the gateway-only fields.
func ParseChatRequest(body []byte) (*ParsedRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, &RequestError{Message: "request body is not valid JSON"}
	}
	var raw chatRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	// Only a string pins a provider. OpenRouter-style preference objects
	// are dropped along with the other gateway fields.
	if pin := gjson.GetBytes(body, fieldProvider); pin.Type == gjson.String {
		raw.Provider = pin.String()
	}
	if err := validate.Struct(&raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, newValidationError(verrs)
		}
		return nil, err
	}

	forward, err := stripGatewayFields(body)
	if err != nil {
		return nil, fmt.Errorf("rewriting request body: %w", err)
	}

	p := &ParsedRequest{
		Provider: &provider.Request{
			Model:    raw.Model,
			Body:     forward,
			Stream:   raw.Stream,
			Messages: extractMessages(body),
			Requires: requiredCapabilities(body),
		},
		Pin: raw.Provider,
	}
	if raw.RetryCount != nil {
		p.MaxAttempts = *raw.RetryCount
	}
	if raw.Timeout != nil {
		p.Timeout = time.Duration(*raw.Timeout * float64(time.Second))
	}
	return p, nil
}

func stripGatewayFields(body []byte) ([]byte, error) {
	out := body
	for _, f := range []string{fieldProvider, fieldRetryCount, fieldTimeout} {
		if !gjson.GetBytes(out, f).Exists() {
			continue
		}
		var err error
		if out, err = sjson.DeleteBytes(out, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// extractMessages returns the role and text of each message. Array content
// contributes its text parts only.
func extractMessages(body []byte) []provider.Message {
	var msgs []provider.Message
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		content := m.Get("content")
		var text string
		if content.IsArray() {
			var parts []string
			content.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
				return true
			})
			text = strings.Join(parts, "\n")
		} else {
			text = content.String()
		}
		msgs = append(msgs, provider.Message{Role: m.Get("role").String(), Text: text})
		return true
	})
	return msgs
}

// requiredCapabilities derives what a binding must support to serve body:
// tools need tool calling, a JSON response_format needs structured output,
// and image content parts need image input.
func requiredCapabilities(body []byte) registry.Capabilities {
	var caps registry.Capabilities

	if tools := gjson.GetBytes(body, "tools"); tools.IsArray() && len(tools.Array()) > 0 {
		caps.ToolCall = true
	}
	if fns := gjson.GetBytes(body, "functions"); fns.IsArray() && len(fns.Array()) > 0 {
		caps.ToolCall = true
	}

	switch gjson.GetBytes(body, "response_format.type").String() {
	case "json_object", "json_schema":
		caps.StructuredOutput = true
	}

	gjson.GetBytes(body, "messages.#.content").ForEach(func(_, content gjson.Result) bool {
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "image_url", "input_image", "image":
				caps.ImageInput = true
				return false
			}
			return true
		})
		return !caps.ImageInput
	})
	return caps
}

// newValidationError turns validator errors into per-field messages.
func newValidationError(errs validator.ValidationErrors) *RequestError {
	fields := make(map[string]string, len(errs))
	var msgs []string
	for _, err := range errs {
		field := jsonFieldPath(err.Namespace())
		var msg string
		switch err.Tag() {
		case "required":
			msg = fmt.Sprintf("%s is required", field)
		case "min":
			msg = fmt.Sprintf("%s must contain at least %s item(s)", field, err.Param())
		case "max":
			msg = fmt.Sprintf("%s must be at most %s", field, err.Param())
		case "gt", "gte":
			msg = fmt.Sprintf("%s must be greater than %s%s", field, orEqual(err.Tag()), err.Param())
		case "lte":
			msg = fmt.Sprintf("%s must be at most %s", field, err.Param())
		case "oneof":
			msg = fmt.Sprintf("%s must be one of: %s", field, err.Param())
		default:
			msg = fmt.Sprintf("%s failed on the %q rule", field, err.Tag())
		}
		fields[field] = msg
		msgs = append(msgs, msg)
	}
	return &RequestError{Message: strings.Join(msgs, "; "), Fields: fields}
}

func orEqual(tag string) string {
	if tag == "gte" {
		return "or equal to "
	}
	return ""
}

// jsonFieldPath maps a validator namespace like chatRequest.Messages[0].Role
// to messages[0].role.
func jsonFieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	replacer := strings.NewReplacer("RetryCount", "retry_count")
	ns = replacer.Replace(ns)
	return strings.ToLower(ns)
}
