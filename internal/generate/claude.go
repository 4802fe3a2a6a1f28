package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/intelmercado/enrich-cli/internal/config"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/resilience"
	"github.com/intelmercado/enrich-cli/pkg/anthropic"
)

const systemPrompt = "You are an assistant that returns ONLY a valid JSON array, with no markdown fences or additional text."

// claudeGenerator implements Generator on top of the Anthropic messages API.
// Calls are rate-limited client-side to respect upstream quotas; retries
// against a single item are always sequential, never parallel.
type claudeGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewClaudeGenerator creates the production candidate generator.
func NewClaudeGenerator(client anthropic.Client, cfg config.AnthropicConfig) Generator {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &claudeGenerator{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

func (g *claudeGenerator) Generate(ctx context.Context, req Request) ([]model.Candidate, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "generate: rate limit wait")
	}

	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    systemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: buildPrompt(req)},
		},
	})
	if err != nil {
		if status, ok := anthropic.StatusCode(err); ok && resilience.IsTransientHTTPStatus(status) {
			return nil, resilience.NewTransientError(err, status)
		}
		return nil, err
	}

	resp.Usage.LogCost(g.model, "candidate_generation")

	candidates, err := decodeCandidates(resp.Text())
	if err != nil {
		// Malformed output counts as a failed attempt with zero candidates,
		// never as a partially populated entity.
		return nil, resilience.NewTransientError(err, 0)
	}
	return candidates, nil
}

// decodeCandidates extracts the JSON array from the model's reply and decodes
// it strictly. Any payload that does not parse as a candidate array is
// rejected wholesale.
func decodeCandidates(text string) ([]model.Candidate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, eris.New("generate: no JSON array in model output")
	}

	var candidates []model.Candidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &candidates); err != nil {
		return nil, eris.Wrap(err, "generate: decode model output")
	}
	return candidates, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a specialist in Brazilian B2B market research.\n\n")

	switch req.Kind {
	case model.KindLead:
		role := req.Role
		if role == "" {
			role = model.RolePartner
		}
		fmt.Fprintf(&b, "TASK: List %d REAL companies that act as %s for the market %q.\n\n",
			req.Count, strings.ToUpper(string(role)), req.Market)
	default:
		fmt.Fprintf(&b, "TASK: List %d REAL COMPETITOR companies operating in the market %q.\n\n",
			req.Count, req.Market)
	}

	b.WriteString("IMPORTANT RULES:\n")
	b.WriteString("1. ONLY real companies that exist in Brazil\n")
	b.WriteString("2. Valid tax ID in the format XX.XXX.XXX/XXXX-XX\n")
	b.WriteString("3. Real corporate website (https://...)\n")
	if len(req.KnownNames) > 0 {
		b.WriteString("4. Do NOT include these companies, they are already known:\n")
		b.WriteString(strings.Join(req.KnownNames, ", "))
		b.WriteString("\n")
	}
	b.WriteString("5. Do NOT repeat names between results\n")
	b.WriteString("6. Prefer medium and large companies\n\n")

	b.WriteString("For each company return a JSON object with:\n")
	b.WriteString("- name: full legal name\n")
	b.WriteString("- tax_id: valid tax ID (XX.XXX.XXX/XXXX-XX)\n")
	b.WriteString("- website: corporate website URL\n")
	switch req.Kind {
	case model.KindLead:
		b.WriteString("- email: corporate email\n")
		b.WriteString("- phone: phone with area code, e.g. (11) 5555-0100\n")
		fmt.Fprintf(&b, "- role: %q\n", string(req.Role))
		b.WriteString("- size: \"small\" | \"medium\" | \"large\"\n")
		b.WriteString("- region: \"north\" | \"northeast\" | \"center-west\" | \"southeast\" | \"south\" | \"national\"\n")
		b.WriteString("- sector: main sector of activity\n")
	default:
		b.WriteString("- product: detailed description of products/services (2-3 lines)\n")
		b.WriteString("- size: \"small\" | \"medium\" | \"large\"\n")
		b.WriteString("- revenue_range: estimated annual revenue range\n")
	}

	b.WriteString("\nReturn ONLY a valid JSON array, no additional text.")
	return b.String()
}
