package diagnosis

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestRouter(t *testing.T, primary, secondary *stubSource, opts ...Option) *Router {
	t.Helper()
	judge, err := NewRelevanceJudge(newStubLLM(replyMedium), opts...)
	if err != nil {
		t.Fatalf("NewRelevanceJudge error: %v", err)
	}
	sources := Sources{Primary: primary}
	if secondary != nil {
		sources.Secondary = secondary
	}
	router, err := NewRouter(sources, judge, opts...)
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}
	return router
}

func TestRouteHighReturnsPrimaryUnchanged(t *testing.T) {
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router := newTestRouter(t, &stubSource{tag: SourceVector}, web)
	primary := NewEvidenceSet(vectorHits()...)

	res := router.Route(context.Background(), NewQuery("咳嗽"), primary, TierHigh)
	if !reflect.DeepEqual(res.Evidence, primary) {
		t.Fatalf("HIGH must return primary unchanged")
	}
	if web.callCount() != 0 || res.SecondaryCalls != 0 {
		t.Fatalf("HIGH must not call the secondary source")
	}
}

func TestRouteMediumMergesInOrder(t *testing.T) {
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router := newTestRouter(t, &stubSource{tag: SourceVector}, web)
	primary := NewEvidenceSet(vectorHits()...)

	res := router.Route(context.Background(), NewQuery("咳嗽"), primary, TierMedium)
	items := res.Evidence.Items()
	if len(items) != 5 {
		t.Fatalf("expected 5 merged items, got %d", len(items))
	}
	for i, ev := range items[:3] {
		if ev.ID != vectorHits()[i].ID {
			t.Fatalf("primary order not preserved at %d: %s", i, ev.ID)
		}
	}
	for _, ev := range items[3:] {
		if ev.Source != SourceWeb {
			t.Fatalf("secondary evidence must be tagged web, got %q", ev.Source)
		}
	}
	if web.callCount() != 1 {
		t.Fatalf("expected 1 secondary call, got %d", web.callCount())
	}
}

func TestRouteMediumDeduplicates(t *testing.T) {
	dup := vectorHits()[0]
	dup.Source = SourceWeb
	web := &stubSource{tag: SourceWeb, items: []Evidence{dup, webHits()[0]}}
	router := newTestRouter(t, &stubSource{tag: SourceVector}, web)

	res := router.Route(context.Background(), NewQuery("咳嗽"), NewEvidenceSet(vectorHits()...), TierMedium)
	if res.Evidence.Len() != 4 {
		t.Fatalf("expected duplicate id to be dropped, got %d items", res.Evidence.Len())
	}
	if res.Evidence.Items()[0].Source != SourceVector {
		t.Fatalf("first occurrence must win")
	}
}

func TestRouteLowPrefersSecondary(t *testing.T) {
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router := newTestRouter(t, &stubSource{tag: SourceVector}, web)

	res := router.Route(context.Background(), NewQuery("咳嗽"), NewEvidenceSet(vectorHits()...), TierLow)
	if res.Evidence.Len() != 2 || !res.Evidence.OnlyFrom(SourceWeb) {
		t.Fatalf("LOW with secondary hits must return only secondary evidence, got %+v", res.Evidence.Items())
	}
}

func TestRouteRetagsSecondaryEvidence(t *testing.T) {
	foreign := Evidence{ID: "g1", Name: "百日咳", Source: SourceGraph, Score: 1}
	for _, tier := range []RelevanceTier{TierLow, TierMedium} {
		t.Run(tier.String(), func(t *testing.T) {
			web := &stubSource{tag: SourceWeb, items: []Evidence{foreign}}
			router := newTestRouter(t, &stubSource{tag: SourceVector}, web)

			res := router.Route(context.Background(), NewQuery("咳嗽"), NewEvidenceSet(vectorHits()[1:]...), tier)
			items := res.Evidence.Items()
			last := items[len(items)-1]
			if last.ID != "g1" || last.Source != SourceWeb {
				t.Fatalf("secondary hit must carry the secondary tag, got %+v", last)
			}
			if tier == TierLow && !res.Evidence.OnlyFrom(SourceWeb) {
				t.Fatalf("LOW must contain only secondary evidence, got %+v", items)
			}
		})
	}
}

func TestRouteLowFallsBackToPrimary(t *testing.T) {
	for name, web := range map[string]*stubSource{
		"empty":  {tag: SourceWeb},
		"failed": {tag: SourceWeb, err: errBoom},
	} {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(t, &stubSource{tag: SourceVector}, web)
			primary := NewEvidenceSet(vectorHits()...)
			res := router.Route(context.Background(), NewQuery("咳嗽"), primary, TierLow)
			if !reflect.DeepEqual(res.Evidence, primary) {
				t.Fatalf("LOW with empty secondary must return primary")
			}
			if res.NoEvidence {
				t.Fatalf("primary was non-empty")
			}
		})
	}
}

func TestRetrieveEmptyPrimarySkipsJudge(t *testing.T) {
	judgeLLM := newStubLLM(replyHigh)
	judge, _ := NewRelevanceJudge(judgeLLM)
	primary := &stubSource{tag: SourceVector}
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router, err := NewRouter(Sources{Primary: primary, Secondary: web}, judge)
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}

	res := router.Retrieve(context.Background(), NewQuery("咳嗽"))
	if judgeLLM.callCount() != 0 || res.Judged {
		t.Fatalf("judge must not run for empty primary")
	}
	if res.Evidence.Len() != 2 || res.SecondaryCalls != 1 {
		t.Fatalf("expected secondary evidence from one call, got %d items / %d calls", res.Evidence.Len(), res.SecondaryCalls)
	}
}

func TestRetrieveNoEvidenceAnywhere(t *testing.T) {
	primary := &stubSource{tag: SourceVector, err: errBoom}
	web := &stubSource{tag: SourceWeb}
	router := newTestRouter(t, primary, web)

	res := router.Retrieve(context.Background(), NewQuery("咳嗽"))
	if !res.NoEvidence || !res.Evidence.IsEmpty() {
		t.Fatalf("expected no evidence, got %+v", res)
	}
	var sawUnavailable, sawNone bool
	for _, w := range res.Warnings {
		sawUnavailable = sawUnavailable || errors.Is(w, ErrRetrievalUnavailable)
		sawNone = sawNone || errors.Is(w, ErrNoEvidenceFound)
	}
	if !sawUnavailable || !sawNone {
		t.Fatalf("expected RetrievalUnavailable and NoEvidenceFound warnings, got %v", res.Warnings)
	}
	if primary.callCount() != 1 || web.callCount() != 1 {
		t.Fatalf("each source must be called once, got %d/%d", primary.callCount(), web.callCount())
	}
}

func TestRetrieveJudgedMediumCallsSecondaryOnce(t *testing.T) {
	primary := &stubSource{tag: SourceVector, items: vectorHits()}
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router := newTestRouter(t, primary, web)

	res := router.Retrieve(context.Background(), NewQuery("咳嗽"))
	if !res.Judged || res.Tier != TierMedium {
		t.Fatalf("expected judged MEDIUM, got %+v", res)
	}
	if primary.callCount() != 1 || web.callCount() != 1 {
		t.Fatalf("each source must be called once, got %d/%d", primary.callCount(), web.callCount())
	}
	if res.Evidence.Len() != 5 {
		t.Fatalf("expected merged evidence, got %d", res.Evidence.Len())
	}
}

func TestRetrieveVanillaSkipsJudgeAndSecondary(t *testing.T) {
	primary := &stubSource{tag: SourceVector, items: vectorHits()}
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router, err := NewRouter(Sources{Primary: primary, Secondary: web}, nil, WithRoutePreset(RoutePresetVanilla))
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}
	res := router.Retrieve(context.Background(), NewQuery("咳嗽"))
	if res.Judged || web.callCount() != 0 || res.Evidence.Len() != 3 {
		t.Fatalf("vanilla must use primary only, got %+v", res)
	}
}

func TestRetrieveAugmentedAlwaysMerges(t *testing.T) {
	primary := &stubSource{tag: SourceVector, items: vectorHits()}
	web := &stubSource{tag: SourceWeb, items: webHits()}
	router, err := NewRouter(Sources{Primary: primary, Secondary: web}, nil, WithRoutePreset(RoutePresetAugmented))
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}
	res := router.Retrieve(context.Background(), NewQuery("咳嗽"))
	if res.Judged || res.Evidence.Len() != 5 {
		t.Fatalf("augmented must merge without judging, got %+v", res)
	}
}

func TestNewRouterRequiresJudgeForCorrective(t *testing.T) {
	if _, err := NewRouter(Sources{Primary: &stubSource{tag: SourceVector}}, nil); err == nil {
		t.Fatalf("expected error without judge")
	}
	if _, err := NewRouter(Sources{}, nil, WithRoutePreset(RoutePresetVanilla)); err == nil {
		t.Fatalf("expected error without primary source")
	}
}

func TestSearchPassesTopK(t *testing.T) {
	primary := &stubSource{tag: SourceVector, items: vectorHits()}
	router, _ := NewRouter(Sources{Primary: primary}, nil, WithRoutePreset(RoutePresetVanilla), WithTopK(2))
	res := router.Retrieve(context.Background(), NewQuery("咳嗽"))
	if res.Evidence.Len() != 2 {
		t.Fatalf("expected top-k 2, got %d", res.Evidence.Len())
	}
}
