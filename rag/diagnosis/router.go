package diagnosis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sweetpotato0/meddx/pkg/logging"
)

// RouteAction is what the router does with primary evidence for one tier.
type RouteAction int

const (
	// ActionUsePrimary returns primary evidence unchanged.
	ActionUsePrimary RouteAction = iota
	// ActionMerge appends secondary evidence after primary.
	ActionMerge
	// ActionPreferSecondary returns secondary evidence alone when there is
	// any, primary otherwise.
	ActionPreferSecondary
)

func (a RouteAction) String() string {
	switch a {
	case ActionUsePrimary:
		return "use_primary"
	case ActionMerge:
		return "merge"
	case ActionPreferSecondary:
		return "prefer_secondary"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// RoutePolicy maps relevance tiers to actions. With SkipJudge set the judge
// is never called and Unjudged applies.
type RoutePolicy struct {
	Name      string
	SkipJudge bool
	Unjudged  RouteAction
	High      RouteAction
	Medium    RouteAction
	Low       RouteAction
	// SecondaryOnEmpty consults the secondary source when primary is empty.
	SecondaryOnEmpty bool
}

// Action returns the action for a judged tier.
func (p RoutePolicy) Action(tier RelevanceTier) RouteAction {
	switch tier {
	case TierHigh:
		return p.High
	case TierMedium:
		return p.Medium
	default:
		return p.Low
	}
}

// PresetPolicy returns a predefined policy; unknown presets yield corrective.
func PresetPolicy(preset RoutePreset) RoutePolicy {
	switch preset {
	case RoutePresetVanilla:
		return RoutePolicy{Name: string(RoutePresetVanilla), SkipJudge: true, Unjudged: ActionUsePrimary}
	case RoutePresetAugmented:
		return RoutePolicy{
			Name:             string(RoutePresetAugmented),
			SkipJudge:        true,
			Unjudged:         ActionMerge,
			SecondaryOnEmpty: true,
		}
	default:
		return RoutePolicy{
			Name:             string(RoutePresetCorrective),
			High:             ActionUsePrimary,
			Medium:           ActionMerge,
			Low:              ActionPreferSecondary,
			SecondaryOnEmpty: true,
		}
	}
}

// Retrieval is the router outcome for one session.
type Retrieval struct {
	Evidence       EvidenceSet
	Tier           RelevanceTier
	Judged         bool
	PrimaryCalls   int
	SecondaryCalls int
	NoEvidence     bool
	Warnings       []*Error
}

// Router assembles the session EvidenceSet from the configured sources.
// Each source is called at most once per Retrieve.
type Router struct {
	sources Sources
	judge   *RelevanceJudge
	cfg     *Config
	logger  *slog.Logger
}

// NewRouter builds a router. judge may be nil only for policies that skip it.
func NewRouter(sources Sources, judge *RelevanceJudge, opts ...Option) (*Router, error) {
	return newRouter(sources, judge, applyOptions(nil, opts))
}

func newRouter(sources Sources, judge *RelevanceJudge, cfg *Config) (*Router, error) {
	if sources.Primary == nil {
		return nil, fmt.Errorf("primary retrieval source is required")
	}
	if judge == nil && !cfg.Route.SkipJudge {
		return nil, fmt.Errorf("route policy %q requires a relevance judge", cfg.Route.Name)
	}
	return &Router{
		sources: sources,
		judge:   judge,
		cfg:     cfg,
		logger:  logging.WithComponent("retrieval_router").With("pipeline", cfg.Name, "policy", cfg.Route.Name),
	}, nil
}

// Retrieve queries the primary source, judges it and routes.
func (r *Router) Retrieve(ctx context.Context, q Query) Retrieval {
	items, warn := r.search(ctx, r.sources.Primary, q, r.cfg.TopK)
	primary := NewEvidenceSet(items...)
	res := Retrieval{PrimaryCalls: 1}
	if warn != nil {
		res.Warnings = append(res.Warnings, warn)
	}

	if primary.IsEmpty() {
		res.Tier = TierLow
		res.Evidence = primary
		if r.cfg.Route.SecondaryOnEmpty && r.sources.Secondary != nil {
			secondary, warn := r.searchSecondary(ctx, q, &res)
			if warn != nil {
				res.Warnings = append(res.Warnings, warn)
			}
			res.Evidence = NewEvidenceSet(secondary...)
		}
		r.finish(&res)
		return res
	}

	if r.cfg.Route.SkipJudge {
		routed := r.apply(ctx, q, primary, r.cfg.Route.Unjudged, &res)
		res.Evidence = routed
		r.finish(&res)
		return res
	}

	judgment := r.judge.Judge(ctx, q, primary)
	res.Judged = true
	if judgment.Degraded != nil {
		res.Warnings = append(res.Warnings, judgment.Degraded)
	}
	routed := r.Route(ctx, q, primary, judgment.Tier)
	routed.PrimaryCalls = res.PrimaryCalls
	routed.Judged = true
	routed.Warnings = append(res.Warnings, routed.Warnings...)
	return routed
}

// Route applies the policy action for tier to primary evidence.
func (r *Router) Route(ctx context.Context, q Query, primary EvidenceSet, tier RelevanceTier) Retrieval {
	res := Retrieval{Tier: tier}
	res.Evidence = r.apply(ctx, q, primary, r.cfg.Route.Action(tier), &res)
	r.finish(&res)
	return res
}

func (r *Router) apply(ctx context.Context, q Query, primary EvidenceSet, action RouteAction, res *Retrieval) EvidenceSet {
	if action == ActionUsePrimary || r.sources.Secondary == nil {
		r.logger.Debug("routing to primary", "tier", res.Tier.String(), "action", action.String())
		return primary
	}
	secondary, warn := r.searchSecondary(ctx, q, res)
	if warn != nil {
		res.Warnings = append(res.Warnings, warn)
	}
	switch action {
	case ActionMerge:
		r.logger.Debug("merging secondary evidence", "tier", res.Tier.String(), "secondary", len(secondary))
		return primary.Append(secondary...)
	default:
		if len(secondary) == 0 {
			r.logger.Info("secondary evidence empty, keeping primary", "tier", res.Tier.String())
			return primary
		}
		r.logger.Debug("replacing primary with secondary evidence", "tier", res.Tier.String(), "secondary", len(secondary))
		return NewEvidenceSet(secondary...)
	}
}

func (r *Router) searchSecondary(ctx context.Context, q Query, res *Retrieval) ([]Evidence, *Error) {
	res.SecondaryCalls++
	items, warn := r.search(ctx, r.sources.Secondary, q, r.cfg.SecondaryTopK)
	tag := r.sources.Secondary.Tag()
	for i := range items {
		items[i].Source = tag
	}
	return items, warn
}

func (r *Router) search(ctx context.Context, src RetrievalSource, q Query, topK int) ([]Evidence, *Error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	tag := src.Tag()
	items, err := src.Search(callCtx, q, topK)
	if err != nil {
		derr := newError(KindRetrievalUnavailable, "search."+string(tag), err)
		r.logger.Warn("retrieval source failed, treating as empty", "source", tag, "error", err)
		return nil, derr
	}
	out := make([]Evidence, 0, len(items))
	for _, ev := range items {
		if ev.Source == "" {
			ev.Source = tag
		}
		out = append(out, ev)
	}
	r.logger.Debug("retrieval source answered", "source", tag, "hits", len(out))
	return out, nil
}

func (r *Router) finish(res *Retrieval) {
	if res.Evidence.IsEmpty() {
		res.NoEvidence = true
		res.Warnings = append(res.Warnings, newError(KindNoEvidenceFound, "route", fmt.Errorf("all sources returned no evidence")))
		r.logger.Warn("no evidence found, generating without evidence")
	}
}
