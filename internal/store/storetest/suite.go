// Package storetest holds the behavioural suite every store.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/kylebebak/search-engine/internal/store"
)

// Suite runs the contract tests against a fresh store from New for every
// test method.
type Suite struct {
	suite.Suite
	New   func(t *testing.T) store.Store
	store store.Store
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.New(s.T())
}

func (s *Suite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

func (s *Suite) TestAssignIDStartsAtZeroAndIsStable() {
	id, created, err := s.store.AssignID(s.ctx, "a.txt")
	s.Require().NoError(err)
	s.True(created)
	s.Equal(store.DocID(0), id)

	id2, created, err := s.store.AssignID(s.ctx, "b.txt")
	s.Require().NoError(err)
	s.True(created)
	s.Equal(store.DocID(1), id2)

	again, created, err := s.store.AssignID(s.ctx, "a.txt")
	s.Require().NoError(err)
	s.False(created)
	s.Equal(id, again)
}

func (s *Suite) TestLookups() {
	a, _, err := s.store.AssignID(s.ctx, "a.txt")
	s.Require().NoError(err)
	b, _, err := s.store.AssignID(s.ctx, "b.txt")
	s.Require().NoError(err)

	got, err := s.store.LookupID(s.ctx, "b.txt")
	s.Require().NoError(err)
	s.Equal(b, got)

	_, err = s.store.LookupID(s.ctx, "missing.txt")
	s.True(errors.Is(err, store.ErrNotFound), "got %v", err)

	names, err := s.store.LookupNames(s.ctx, []store.DocID{a, b, 99})
	s.Require().NoError(err)
	s.Equal(map[store.DocID]string{a: "a.txt", b: "b.txt"}, names)

	empty, err := s.store.LookupNames(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *Suite) TestConcurrentAssignIsBijective() {
	const workers, names = 8, 20
	var wg sync.WaitGroup
	ids := make([][]store.DocID, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids[w] = make([]store.DocID, names)
			for i := 0; i < names; i++ {
				id, _, err := s.store.AssignID(s.ctx, fmt.Sprintf("doc-%d", i))
				if err != nil {
					s.Fail("assign", err.Error())
					return
				}
				ids[w][i] = id
			}
		}(w)
	}
	wg.Wait()

	seen := map[store.DocID]bool{}
	for i := 0; i < names; i++ {
		for w := 1; w < workers; w++ {
			s.Equal(ids[0][i], ids[w][i], "name doc-%d got two ids", i)
		}
		s.False(seen[ids[0][i]], "id %d reused", ids[0][i])
		seen[ids[0][i]] = true
	}
}

func (s *Suite) TestMagnitudes() {
	s.Require().NoError(s.store.SetMagnitude(s.ctx, 0, 1.5))
	s.Require().NoError(s.store.SetMagnitude(s.ctx, 1, 2))
	s.Require().NoError(s.store.SetMagnitude(s.ctx, 0, 3.25))

	n, err := s.store.DocCount(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	m, err := s.store.Magnitudes(s.ctx, []store.DocID{0, 1, 7})
	s.Require().NoError(err)
	s.Equal(map[store.DocID]float64{0: 3.25, 1: 2}, m)
}

func (s *Suite) TestCompareAndSwapPostings() {
	_, found, err := s.store.GetPostings(s.ctx, "brown")
	s.Require().NoError(err)
	s.False(found)

	ok, err := s.store.CompareAndSwapPostings(s.ctx, "brown", 0, []byte("v1"))
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.CompareAndSwapPostings(s.ctx, "brown", 0, []byte("lost"))
	s.Require().NoError(err)
	s.False(ok, "stale create must not overwrite")

	blob, found, err := s.store.GetPostings(s.ctx, "brown")
	s.Require().NoError(err)
	s.True(found)
	s.Equal([]byte("v1"), blob.Data)
	s.Equal(int64(1), blob.Version)

	ok, err = s.store.CompareAndSwapPostings(s.ctx, "brown", 1, []byte("v2"))
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.CompareAndSwapPostings(s.ctx, "brown", 1, []byte("stale"))
	s.Require().NoError(err)
	s.False(ok)

	blob, _, err = s.store.GetPostings(s.ctx, "brown")
	s.Require().NoError(err)
	s.Equal([]byte("v2"), blob.Data)
	s.Equal(int64(2), blob.Version)
}

func (s *Suite) TestConcurrentSwapsSerialize() {
	const writers = 6
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				blob, _, err := s.store.GetPostings(s.ctx, "fox")
				if err != nil {
					s.Fail("get", err.Error())
					return
				}
				ok, err := s.store.CompareAndSwapPostings(s.ctx, "fox", blob.Version, append(blob.Data, 'x'))
				if err != nil {
					s.Fail("cas", err.Error())
					return
				}
				if ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	blob, _, err := s.store.GetPostings(s.ctx, "fox")
	s.Require().NoError(err)
	s.Len(blob.Data, writers, "every writer's append must survive")
	s.Equal(int64(writers), blob.Version)
}

func (s *Suite) TestDocTokens() {
	tokens, err := s.store.DocTokens(s.ctx, 4)
	s.Require().NoError(err)
	s.Empty(tokens)

	s.Require().NoError(s.store.SetDocTokens(s.ctx, 4, []string{"brown", "fox"}))
	tokens, err = s.store.DocTokens(s.ctx, 4)
	s.Require().NoError(err)
	s.Equal([]string{"brown", "fox"}, tokens)

	s.Require().NoError(s.store.SetDocTokens(s.ctx, 4, []string{"dog"}))
	tokens, err = s.store.DocTokens(s.ctx, 4)
	s.Require().NoError(err)
	s.Equal([]string{"dog"}, tokens)
}

func (s *Suite) TestFlushAndPing() {
	s.NoError(s.store.Ping(s.ctx))
	s.NoError(s.store.Flush(s.ctx))
}

func (s *Suite) TestClosedStoreFailsEveryOp() {
	id, _, err := s.store.AssignID(s.ctx, "a.txt")
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetMagnitude(s.ctx, id, 1))
	s.Require().NoError(s.store.Close())
	closed := s.store
	s.store = nil

	ids := []store.DocID{id}
	ops := map[string]func() error{
		"AssignID":     func() error { _, _, err := closed.AssignID(s.ctx, "b.txt"); return err },
		"LookupID":     func() error { _, err := closed.LookupID(s.ctx, "a.txt"); return err },
		"LookupNames":  func() error { _, err := closed.LookupNames(s.ctx, ids); return err },
		"SetMagnitude": func() error { return closed.SetMagnitude(s.ctx, id, 2) },
		"Magnitudes":   func() error { _, err := closed.Magnitudes(s.ctx, ids); return err },
		"DocCount":     func() error { _, err := closed.DocCount(s.ctx); return err },
		"GetPostings":  func() error { _, _, err := closed.GetPostings(s.ctx, "fox"); return err },
		"CompareAndSwapPostings": func() error {
			_, err := closed.CompareAndSwapPostings(s.ctx, "fox", 0, []byte("x"))
			return err
		},
		"DocTokens":    func() error { _, err := closed.DocTokens(s.ctx, id); return err },
		"SetDocTokens": func() error { return closed.SetDocTokens(s.ctx, id, []string{"fox"}) },
		"Flush":        func() error { return closed.Flush(s.ctx) },
		"Ping":         func() error { return closed.Ping(s.ctx) },
	}
	for name, op := range ops {
		err := op()
		s.Error(err, name)
		s.False(errors.Is(err, store.ErrNotFound), "%s: a closed store is not a miss", name)
	}
}
