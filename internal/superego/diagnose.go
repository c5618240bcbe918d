package superego

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/floegence/superego-agent/internal/config"
)

const streamErrorPrefix = "received error while streaming: "

// Troubleshooting returns the four-cause help text shown when a provider yields nothing usable.
func Troubleshooting(providerID string) string {
	name := config.ProviderDisplayName(providerID)
	keyURL := "https://console.anthropic.com/"
	other := "OpenRouter"
	if strings.TrimSpace(providerID) == config.ProviderOpenRouter {
		keyURL = "https://openrouter.ai/keys"
		other = "Anthropic"
	}
	var b strings.Builder
	b.WriteString("No response received from the API. This could be due to:\n")
	fmt.Fprintf(&b, "1. Invalid API key - Check your %s API key in the config file\n", name)
	b.WriteString("2. Invalid model name - The model may not exist or you may not have access\n")
	b.WriteString("3. Rate limiting - You may have exceeded your API quota\n")
	b.WriteString("4. Network issues - Check your internet connection\n")
	b.WriteString("\nTry:\n")
	fmt.Fprintf(&b, "- Verifying your API key at %s\n", keyURL)
	b.WriteString("- Using a different model (e.g. claude-3-haiku-20240307)\n")
	b.WriteString("- Checking your usage limits\n")
	fmt.Fprintf(&b, "- Switching to %s as the provider", other)
	return b.String()
}

// LikelyCause names the most probable of the four causes for err, or "" when unknown.
func LikelyCause(providerID, model string, err error) string {
	name := config.ProviderDisplayName(providerID)
	switch classify(err) {
	case causeKey:
		return fmt.Sprintf("Invalid API key - the %s API rejected the credential", name)
	case causeModel:
		return fmt.Sprintf("Invalid model name - model %q may not exist or you may not have access", model)
	case causeRate:
		return "Rate limiting - you may have exceeded your API quota"
	case causeOverload:
		return fmt.Sprintf("Provider overload - the %s API is temporarily unavailable, retry shortly", name)
	case causeNetwork:
		return "Network issues - the API could not be reached"
	default:
		return ""
	}
}

// Describe renders err as the content of an ERROR evaluation.
func Describe(providerID, model string, err error) string {
	name := config.ProviderDisplayName(providerID)

	var lookup *ExternalLookupError
	var empty *EmptyResponseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderNotConfigured):
		env := "ANTHROPIC_API_KEY"
		if strings.TrimSpace(providerID) == config.ProviderOpenRouter {
			env = "OPENROUTER_API_KEY"
		}
		return fmt.Sprintf("%s API key is not configured. Add it to the config file or set %s.", name, env)
	case errors.As(err, &lookup):
		return fmt.Sprintf("The %s %q could not be loaded: %v", strings.ReplaceAll(lookup.Kind, "_", " "), lookup.ID, lookup.Err)
	case errors.As(err, &empty):
		return empty.Diagnosis
	case errors.Is(err, context.Canceled):
		return "Evaluation cancelled before it completed."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s API Error: %s", name, errorDetail(err))
	if cause := LikelyCause(providerID, model, err); cause != "" {
		fmt.Fprintf(&b, "\n\nMost likely cause: %s", cause)
	}
	b.WriteString("\n\n")
	b.WriteString(Troubleshooting(providerID))
	return b.String()
}

type cause int

const (
	causeUnknown cause = iota
	causeKey
	causeModel
	causeRate
	causeOverload
	causeNetwork
)

func classify(err error) cause {
	if err == nil {
		return causeUnknown
	}
	if c := classifyStatus(statusCode(err)); c != causeUnknown {
		return c
	}
	if c := classifyFrame(err.Error()); c != causeUnknown {
		return c
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return causeNetwork
	}
	return causeUnknown
}

func statusCode(err error) int {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode
	}
	return 0
}

func classifyStatus(code int) cause {
	switch {
	case code == 401 || code == 403:
		return causeKey
	case code == 404:
		return causeModel
	case code == 429:
		return causeRate
	case code == 529 || code == 503:
		return causeOverload
	default:
		return causeUnknown
	}
}

// classifyFrame inspects the JSON payload of an in-stream error frame.
func classifyFrame(msg string) cause {
	idx := strings.Index(msg, streamErrorPrefix)
	if idx < 0 {
		return causeUnknown
	}
	payload := strings.TrimSpace(msg[idx+len(streamErrorPrefix):])
	if !gjson.Valid(payload) {
		return causeUnknown
	}
	errType := gjson.Get(payload, "error.type").String()
	if errType == "" {
		errType = gjson.Get(payload, "type").String()
	}
	switch errType {
	case "authentication_error", "permission_error":
		return causeKey
	case "not_found_error":
		return causeModel
	case "rate_limit_error":
		return causeRate
	case "overloaded_error":
		return causeOverload
	}
	return classifyStatus(int(gjson.Get(payload, "code").Int()))
}

// errorDetail prefers the provider's own message over the SDK's wrapper text.
func errorDetail(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, streamErrorPrefix); idx >= 0 {
		payload := strings.TrimSpace(msg[idx+len(streamErrorPrefix):])
		if gjson.Valid(payload) {
			for _, path := range []string{"error.message", "message"} {
				if v := gjson.Get(payload, path).String(); strings.TrimSpace(v) != "" {
					return v
				}
			}
		}
	}
	return msg
}
