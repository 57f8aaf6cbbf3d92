// Package planner provides the text-to-text intelligence behind the retry
// loop: refining raw instructions, judging finished attempts and producing
// corrective instructions after failures. It is backed by Genkit; without an
// API key it degrades to deterministic offline behavior.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/rovercraft/fleetbridge/internal/watcher"
)

// Config selects the model provider.
type Config struct {
	// Provider is "google", "anthropic" or "openai". Empty defaults to
	// "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey overrides the provider's environment key.
	APIKey string

	// BaseURL overrides the provider endpoint where supported.
	BaseURL string
}

// Engine implements the watcher's Planner, Evaluator and Replanner.
type Engine struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
}

// NewEngine initializes Genkit with the configured provider. A missing API
// key is not fatal: the engine falls back to deterministic behavior so the
// loop keeps working offline.
func NewEngine(ctx context.Context, cfg Config) *Engine {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: cfg.BaseURL,
			}))
			llmOn = true
			slog.Info("planner engine initialized", "provider", "anthropic", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; planner uses deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			slog.Info("planner engine initialized", "provider", "openai", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; planner uses deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
			slog.Info("planner engine initialized", "provider", "google", "model", "googleai/"+model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; planner uses deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown planner provider, using deterministic fallback", "provider", provider)
	}

	return &Engine{g: g, provider: provider, model: model, llmOn: llmOn}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func (e *Engine) modelName() string {
	switch e.provider {
	case "anthropic":
		return "anthropic/" + e.model
	case "openai":
		return "openai/" + e.model
	default:
		return "googleai/" + e.model
	}
}

func (e *Engine) generate(ctx context.Context, system, prompt string) (string, error) {
	// Escape % characters to prevent fmt corruption in ai.WithSystem.
	system = strings.ReplaceAll(system, "%", "%%")
	resp, err := genkit.Generate(ctx, e.g,
		ai.WithModelName(e.modelName()),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("planner generate: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

const refineSystem = `You expand terse robotics fleet instructions into a single precise,
executable instruction for a worker agent. Answer with the instruction only,
no preamble and no commentary.`

// Refine expands a raw instruction into an executable one. Without a
// configured model the raw instruction passes through unchanged.
func (e *Engine) Refine(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !e.llmOn {
		return raw, nil
	}
	return e.generate(ctx, refineSystem, raw)
}

var evaluateSystem = fmt.Sprintf(`You judge whether a fleet task attempt succeeded, given the
instruction and references to the plan and log it produced. If the attempt
clearly succeeded, start your verdict with %q followed by a short reason.
Otherwise describe concisely what went wrong.`, watcher.SuccessMarker)

// Evaluate returns a verdict for a finished attempt. A verdict prefixed
// with the success marker finalizes the task. Without a configured model
// every attempt passes, with a verdict saying so.
func (e *Engine) Evaluate(ctx context.Context, instruction string, result watcher.DispatchResult) (string, error) {
	if !e.llmOn {
		return watcher.SuccessMarker + " evaluation skipped, no model configured", nil
	}
	prompt := fmt.Sprintf("Instruction:\n%s\n\nPlan artifact: %s\nLog artifact: %s",
		instruction, result.PlanRef, result.LogRef)
	return e.generate(ctx, evaluateSystem, prompt)
}

// Complete runs one free-form completion under the given system prompt.
// Worker jobs use this to execute instructions. Without a configured model
// it echoes the prompt so the pipeline stays exercisable offline.
func (e *Engine) Complete(ctx context.Context, system, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", nil
	}
	if !e.llmOn {
		return prompt, nil
	}
	return e.generate(ctx, system, prompt)
}

const replanSystem = `A fleet task attempt failed. From the failure verdict, produce one
short corrective instruction for the next attempt. Answer with the
instruction only.`

// Replan turns a failure verdict into a corrective instruction. Without a
// configured model it returns empty, and the caller falls back to the
// verdict text.
func (e *Engine) Replan(ctx context.Context, verdict string) (string, error) {
	if !e.llmOn {
		return "", nil
	}
	return e.generate(ctx, replanSystem, strings.TrimSpace(verdict))
}
