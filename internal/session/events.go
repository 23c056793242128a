package session

import (
	"github.com/and161185/propcare/internal/authclient"
	"github.com/and161185/propcare/internal/model"
	"go.uber.org/zap"
)

type jobKind int

const (
	jobIdentity jobKind = iota + 1 // derive identity, then finish loading and resolve orgs
	jobUserUpdated
)

type job struct {
	kind jobKind
	at   stamp
	p    model.Principal
}

// onAuthEvent runs inside the auth client's dispatch. It only does the
// synchronous session write and hands everything else to the worker.
func (s *Store) onAuthEvent(ev authclient.Event, sess *model.Session) {
	switch ev {
	case authclient.EventSignedIn:
		if !sess.Valid(s.now()) {
			return
		}
		at, stale := s.adopt(sess)
		if stale {
			s.enqueue(job{kind: jobIdentity, at: at, p: sess.User})
		}
	case authclient.EventSignedOut:
		s.clear()
	case authclient.EventUserUpdated:
		if sess == nil {
			return
		}
		s.enqueue(job{kind: jobUserUpdated, at: s.stamp(), p: sess.User})
	case authclient.EventTokenRefreshed, authclient.EventInitialSession:
		// token freshness is the client's concern; loading is flipped by Start only
	}
}

func (s *Store) enqueue(j job) {
	select {
	case s.jobs <- j:
	case <-s.ctx.Done():
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			s.handle(j)
		}
	}
}

func (s *Store) handle(j job) {
	switch j.kind {
	case jobIdentity:
		u := s.ConvertIdentity(s.ctx, j.p)
		if !s.updateIf(j.at, func(st *State) { st.User = &u }) {
			s.log.Debug("identity superseded", zap.String("user_id", j.p.ID.String()))
			return
		}
		s.finishLoading(nil)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resolveOrganizations(s.ctx, j.at, u)
		}()
	case jobUserUpdated:
		u := s.ConvertIdentity(s.ctx, j.p)
		s.updateIf(j.at, func(st *State) { st.User = &u })
	}
}
