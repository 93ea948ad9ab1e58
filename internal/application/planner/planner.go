// Package planner turns the static kind table into the ordered list of deletion tasks for
// one branch.
package planner

import (
	"fmt"
	"sort"

	"github.com/ahrav/branchctl/internal/application/executor"
	"github.com/ahrav/branchctl/internal/domain/entity"
)

// KindSupporter reports which kinds a persistence layer can address.
type KindSupporter interface {
	Supports(kind entity.Kind) bool
}

// Step is one entry of a deletion plan.
type Step struct {
	Kind  entity.Kind
	Owner entity.Kind
	// Via lists the scoping kinds between Kind and the branch, nearest first.
	Via []entity.Kind
}

// Planner builds deletion plans against a store.
type Planner struct {
	store KindSupporter
}

// New creates a Planner validating kinds against store.
func New(store KindSupporter) *Planner { return &Planner{store: store} }

// Plan returns the ordered deletion tasks for branchID. Every kind is checked against the
// store before anything runs, so a missing kind fails the whole plan up front.
func (p *Planner) Plan(branchID int64) ([]executor.Task, error) {
	steps, err := DeletionOrder(entity.Kinds())
	if err != nil {
		return nil, err
	}

	tasks := make([]executor.Task, 0, len(steps))
	for _, s := range steps {
		if !p.store.Supports(s.Kind) {
			return nil, &entity.UnknownKindError{Kind: s.Kind, Reason: "not exposed by the store"}
		}
		filter, err := entity.BranchFilter(s.Kind, branchID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, executor.Task{
			Kind:   s.Kind,
			Filter: filter,
			Action: executor.ActionDelete,
			Order:  entity.OrderByCreation,
		})
	}
	return tasks, nil
}

// DeletionOrder orders kinds so that every kind comes before each kind it holds a foreign
// key to. Among kinds that are ready at the same time the lexicographically smallest wins.
// The branch kind is always last.
func DeletionOrder(kinds []entity.Kind) ([]Step, error) {
	present := make(map[entity.Kind]bool, len(kinds))
	for _, k := range kinds {
		if _, ok := entity.EdgeOf(k); !ok {
			return nil, &entity.UnknownKindError{Kind: k, Reason: "missing from the dependency table"}
		}
		present[k] = true
	}
	present[entity.KindBranch] = true

	// blockers[d] counts the kinds still to be deleted that reference d.
	blockers := make(map[entity.Kind]int, len(present))
	for k := range present {
		if _, ok := blockers[k]; !ok {
			blockers[k] = 0
		}
		for _, dep := range entity.Dependencies(k) {
			if _, ok := entity.EdgeOf(dep); !ok {
				return nil, &entity.UnknownKindError{Kind: dep, Reason: fmt.Sprintf("referenced by %s", k)}
			}
			if present[dep] {
				blockers[dep]++
			}
		}
	}

	steps := make([]Step, 0, len(present))
	done := make(map[entity.Kind]bool, len(present))
	for len(done) < len(present)-1 {
		next, ok := nextReady(blockers, done)
		if !ok {
			return nil, &entity.UnknownKindError{Kind: firstPending(blockers, done), Reason: "dependency cycle"}
		}
		done[next] = true
		for _, dep := range entity.Dependencies(next) {
			if present[dep] {
				blockers[dep]--
			}
		}
		step, err := stepFor(next)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	if blockers[entity.KindBranch] != 0 {
		return nil, &entity.UnknownKindError{Kind: entity.KindBranch, Reason: "dependency cycle"}
	}
	return append(steps, Step{Kind: entity.KindBranch}), nil
}

func nextReady(blockers map[entity.Kind]int, done map[entity.Kind]bool) (entity.Kind, bool) {
	var ready []entity.Kind
	for k, n := range blockers {
		if n == 0 && !done[k] && k != entity.KindBranch {
			ready = append(ready, k)
		}
	}
	if len(ready) == 0 {
		return "", false
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready[0], true
}

func firstPending(blockers map[entity.Kind]int, done map[entity.Kind]bool) entity.Kind {
	var pending []entity.Kind
	for k := range blockers {
		if !done[k] && k != entity.KindBranch {
			pending = append(pending, k)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	if len(pending) == 0 {
		return entity.KindBranch
	}
	return pending[0]
}

func stepFor(kind entity.Kind) (Step, error) {
	chain, err := entity.OwnerChain(kind)
	if err != nil {
		return Step{}, err
	}
	return Step{Kind: kind, Owner: chain[0], Via: chain[:len(chain)-1]}, nil
}
