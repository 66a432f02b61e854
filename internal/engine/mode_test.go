package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/repo"
)

func homogeneous(recs []domain.ResultRecord) bool {
	planLevel := 0
	for _, r := range recs {
		if r.EntityID == nil {
			planLevel++
		}
	}
	return planLevel == 0 || planLevel == len(recs)
}

func isScopeConflict(err error) bool {
	var ve engine.ValidationError
	return errors.As(err, &ve) && ve.Code == engine.CodeEntityScopeConflict
}

func TestScopeModeNeverMixes(t *testing.T) {
	env := newTestEnv(t)
	entities := []*string{nil, ptr("ent-a"), ptr("ent-b")}
	metrics := []string{"m-cap", "m-floor", "m-gini"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)
	properties.Property("upserts and deletes keep the record set homogeneous", prop.ForAll(
		func(ops []int) string {
			cycleID := env.collecting(t)
			for i, op := range ops {
				entity := entities[op%3]
				metric := metrics[(op/3)%3]
				if op >= 9 {
					rec, err := env.Engine.FindResultAt(env.Ctx, cycleID, metric, entity)
					if err == nil {
						if err := env.Engine.DeleteResult(env.Ctx, rec.ID, "prop"); err != nil {
							return fmt.Sprintf("op %d delete: %v", i, err)
						}
					} else if !errors.Is(err, repo.ErrNotFound) {
						return fmt.Sprintf("op %d lookup: %v", i, err)
					}
				} else {
					v := float64(op * 10)
					_, err := env.Engine.UpsertResult(env.Ctx, domain.ResultUpsert{
						CycleID: cycleID, MetricID: metric, EntityID: entity, NumericValue: &v, ActorID: "prop",
					})
					if err != nil && !isScopeConflict(err) {
						return fmt.Sprintf("op %d upsert: %v", i, err)
					}
				}
				recs, err := env.Engine.ListResults(env.Ctx, cycleID, nil)
				if err != nil {
					return err.Error()
				}
				if !homogeneous(recs) {
					return fmt.Sprintf("op %d left a mixed record set", i)
				}
				view, err := env.Engine.GetCycle(env.Ctx, cycleID)
				if err != nil {
					return err.Error()
				}
				if view.Counts.Results != len(recs) {
					return fmt.Sprintf("op %d: counts %d, records %d", i, view.Counts.Results, len(recs))
				}
			}
			return ""
		},
		gen.SliceOfN(12, gen.IntRange(0, 11)),
	))
	properties.TestingRun(t)
}

func TestConcurrentWritersCannotMixScope(t *testing.T) {
	env := newTestEnv(t)
	metrics := []string{"m-cap", "m-floor", "m-gini"}
	entities := []*string{nil, ptr("ent-a"), ptr("ent-b")}

	for round := 0; round < 5; round++ {
		cycleID := env.collecting(t)
		var g errgroup.Group
		for i := 0; i < 12; i++ {
			metric := metrics[i%3]
			entity := entities[(i+round)%3]
			v := float64(i)
			g.Go(func() error {
				_, err := env.Engine.UpsertResult(env.Ctx, domain.ResultUpsert{
					CycleID: cycleID, MetricID: metric, EntityID: entity, NumericValue: &v, ActorID: "writer",
				})
				if err != nil && !isScopeConflict(err) {
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		recs, err := env.Engine.ListResults(env.Ctx, cycleID, nil)
		require.NoError(t, err)
		require.NotEmpty(t, recs)
		require.True(t, homogeneous(recs), "round %d mixed scope", round)
		view, err := env.Engine.GetCycle(env.Ctx, cycleID)
		require.NoError(t, err)
		require.Equal(t, len(recs), view.Counts.Results)
	}
}
