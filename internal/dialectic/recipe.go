package dialectic

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
)

// Step is one ordered step of a stage recipe.
type Step struct {
	Key                string   `yaml:"step_key"`
	Type               JobType  `yaml:"job_type"`
	OutputDocumentKeys []string `yaml:"output_document_keys"`
}

// RecipeSource supplies the ordered step definitions for a stage slug.
type RecipeSource interface {
	StageRecipe(ctx context.Context, stageSlug string) ([]Step, error)
}

// Resolver caches recipes per stage slug. Recipes are immutable for the life
// of a stage run, so a resolved recipe is never refetched.
type Resolver struct {
	mu     sync.Mutex
	source RecipeSource
	cache  map[string][]Step
	logger zerolog.Logger
}

// NewResolver creates a Resolver backed by the given source.
func NewResolver(source RecipeSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		cache:  make(map[string][]Step),
		logger: logger.With().Str("component", "recipe_resolver").Logger(),
	}
}

// Resolve returns the recipe for a stage slug, fetching it on first use.
// A stage with no recipe resolves to ErrStaleEvent semantics for the caller.
func (r *Resolver) Resolve(ctx context.Context, stageSlug string) ([]Step, error) {
	r.mu.Lock()
	if steps, ok := r.cache[stageSlug]; ok {
		r.mu.Unlock()
		return steps, nil
	}
	r.mu.Unlock()

	if r.source == nil {
		return nil, fmt.Errorf("%w: no recipe source for stage %q", derrors.ErrNotFound, stageSlug)
	}

	steps, err := r.source.StageRecipe(ctx, stageSlug)
	if err != nil {
		return nil, fmt.Errorf("resolving recipe for stage %q: %w", stageSlug, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: empty recipe for stage %q", derrors.ErrNotFound, stageSlug)
	}

	r.mu.Lock()
	r.cache[stageSlug] = steps
	r.mu.Unlock()

	r.logger.Debug().Str("stage", stageSlug).Int("steps", len(steps)).Msg("recipe resolved")
	return steps, nil
}

// Prime seeds the cache without consulting the source. Used by tests and by
// hydration when the snapshot already carried step definitions.
func (r *Resolver) Prime(stageSlug string, steps []Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[stageSlug] = steps
}

// FirstStepForFamily returns the first step whose job type matches the given
// family, for events that omit an explicit step key.
func FirstStepForFamily(steps []Step, family JobType) (Step, bool) {
	for _, s := range steps {
		if s.Type == family {
			return s, true
		}
	}
	return Step{}, false
}

// APIRecipeSource resolves recipes through the remote content API.
type APIRecipeSource struct {
	Client *api.Client
}

// StageRecipe fetches and converts the remote recipe rows.
func (s *APIRecipeSource) StageRecipe(ctx context.Context, stageSlug string) ([]Step, error) {
	rows, err := s.Client.StageRecipe(ctx, stageSlug)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(rows))
	for _, row := range rows {
		steps = append(steps, Step{
			Key:                row.StepKey,
			Type:               JobType(row.JobType),
			OutputDocumentKeys: row.OutputDocumentKeys,
		})
	}
	return steps, nil
}

// StaticRecipes is a RecipeSource backed by a YAML file, for deployments that
// ship recipe definitions alongside the engine instead of serving them.
type StaticRecipes struct {
	Stages map[string][]Step `yaml:"stages"`
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// LoadStaticRecipes reads a recipes YAML file. ${VAR} references in the raw
// file are expanded from the environment before parsing.
func LoadStaticRecipes(path string) (*StaticRecipes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipes file: %w", err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return m
	})

	var recipes StaticRecipes
	if err := yaml.Unmarshal([]byte(expanded), &recipes); err != nil {
		return nil, fmt.Errorf("parsing recipes file: %w", err)
	}
	return &recipes, nil
}

// StageRecipe implements RecipeSource.
func (s *StaticRecipes) StageRecipe(_ context.Context, stageSlug string) ([]Step, error) {
	steps, ok := s.Stages[stageSlug]
	if !ok {
		return nil, fmt.Errorf("%w: stage %q not in static recipes", derrors.ErrNotFound, stageSlug)
	}
	return steps, nil
}
