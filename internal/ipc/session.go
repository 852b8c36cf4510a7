package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proctord/internal/browser"
	"proctord/internal/logging"
	"proctord/internal/monitor"
	"proctord/internal/report"
	"proctord/internal/store"
	"proctord/internal/violation"
)

// session is one monitored exam driven by a connected host.
type session struct {
	id        string
	candidate string
	owner     string
	mon       *monitor.Monitor
	bus       *browser.Bus
	vis       *pushedVision
	log       *logging.Logger

	once   sync.Once
	result SessionSummary
}

func (sess *session) summary() SessionSummary {
	return SessionSummary{
		ID:        sess.id,
		Candidate: sess.candidate,
		State:     sess.mon.State().String(),
		StartedAt: sess.mon.StartedAt(),
		Warnings:  sess.mon.Warnings(),
		Remaining: sess.mon.RemainingWarnings(),
		Tally:     sess.mon.ViolationTally(),
	}
}

func (sess *session) ack() *Ack {
	return &Ack{
		State:     sess.mon.State().String(),
		Warnings:  len(sess.mon.Warnings()),
		Remaining: sess.mon.RemainingWarnings(),
	}
}

// lookup returns the session if p owns it.
func (s *Server) lookup(p *peer, id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &RemoteError{Code: ErrNotFound, Message: "no such session: " + id}
	}
	if sess.owner != p.id {
		return nil, &RemoteError{Code: ErrPermissionDenied, Message: "session belongs to another client"}
	}
	return sess, nil
}

// lookupLive is lookup for signal messages, which a finished session
// refuses.
func (s *Server) lookupLive(p *peer, id string) (*session, error) {
	sess, err := s.lookup(p, id)
	if err != nil {
		return nil, err
	}
	if sess.mon.State().Terminal() {
		return nil, &RemoteError{Code: ErrSessionEnded, Message: "session has ended: " + id}
	}
	return sess, nil
}

func (s *Server) handleStartSession(p *peer, msg *Message) (*Message, error) {
	var req StartSessionRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid start request"}
	}

	policy := s.cfg.Policy()
	if req.Config != nil {
		policy = req.Config.Clone()
	}
	cfg, err := policy.Runtime()
	if err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: err.Error()}
	}

	bus := browser.NewBus()
	if req.Geometry != nil {
		bus.SetGeometry(*req.Geometry)
	}
	vis := &pushedVision{}
	mon, err := monitor.New(cfg, monitor.Dependencies{
		Face:        vis,
		Pose:        vis,
		Environment: bus,
		Clock:       s.clock,
		Logger:      s.cfg.Logger,
		Metrics:     s.cfg.Metrics,
	})
	if err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: err.Error()}
	}

	sess := &session{
		id:        mon.ID(),
		candidate: req.Candidate,
		owner:     p.id,
		mon:       mon,
		bus:       bus,
		vis:       vis,
		log:       s.log.WithSession(mon.ID()),
	}
	s.watch(sess)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, &RemoteError{Code: ErrInternalError, Message: "server is shutting down"}
	}
	if len(s.sessions) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		return nil, &RemoteError{Code: ErrTooManySessions, Message: "too many sessions"}
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if err := mon.Initialize(s.ctx); err == nil {
		err = mon.Start(s.ctx, vis)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		mon.Stop()
		return nil, fmt.Errorf("start session: %w", err)
	}

	s.audit(logging.AuditEvent{
		EventType: logging.AuditSessionStart,
		SessionID: sess.id,
		Candidate: sess.candidate,
		Action:    "start",
		Details:   map[string]any{"client": p.id, "max_warnings": cfg.MaxWarnings},
	})
	sess.log.Info("session started", "candidate", sess.candidate, "client", p.id)

	return NewResponse(MsgStartSessionResp, msg.Header.RequestID, msg.Header.Flags, &StartSessionResponse{
		SessionID:   sess.id,
		StartedAt:   mon.StartedAt(),
		MaxWarnings: cfg.MaxWarnings,
	})
}

// watch wires the monitor callbacks to the owner's event stream.
func (s *Server) watch(sess *session) {
	sess.mon.OnWarning(func(w violation.Warning) {
		s.audit(logging.AuditEvent{
			EventType: logging.AuditWarning,
			SessionID: sess.id,
			Candidate: sess.candidate,
			Action:    string(w.Type),
			Details:   map[string]any{"seq": w.SequenceNumber, "remaining": w.RemainingBeforeTermination},
		})
		s.publish(sess.owner, &Event{
			Type:      EventWarning,
			Timestamp: w.Timestamp,
			SessionID: sess.id,
			Warning:   &w,
		})
	})
	sess.mon.OnTerminate(func(t violation.Termination) {
		s.publish(sess.owner, &Event{
			Type:        EventTermination,
			Timestamp:   t.Timestamp,
			SessionID:   sess.id,
			Termination: &t,
		})
		// The callback runs under the monitor lock; persisting calls Stop.
		s.finishers.Add(1)
		go func() {
			defer s.finishers.Done()
			s.finish(sess)
		}()
	})
}

// finish stops the monitor, records the outcome, and forgets the session.
// Only the first call does any work.
func (s *Server) finish(sess *session) SessionSummary {
	sess.once.Do(func() {
		sess.mon.Stop()

		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()

		var r *report.Report
		if term, ok := sess.mon.Termination(); ok {
			r = report.FromTermination(sess.id, sess.candidate, sess.mon.StartedAt(), term)
		} else {
			r = report.Build(sess.id, sess.candidate, store.StateStopped,
				sess.mon.Warnings(), sess.mon.ViolationTally(), sess.mon.StartedAt(), s.clock.Now())
		}

		if err := s.persist(r); err != nil {
			sess.log.Error("persist outcome", "error", err)
			s.audit(logging.AuditEvent{
				EventType: logging.AuditError,
				SessionID: sess.id,
				Action:    "persist",
				Error:     err.Error(),
			})
		}

		kind := logging.AuditSessionStop
		if r.State == store.StateTerminated {
			kind = logging.AuditTermination
		}
		s.audit(logging.AuditEvent{
			EventType: kind,
			SessionID: sess.id,
			Candidate: sess.candidate,
			Action:    r.State,
			Details:   map[string]any{"reason": r.Reason, "warnings": len(r.Warnings), "digest": r.Digest},
		})

		sess.result = SessionSummary{
			ID:        sess.id,
			Candidate: sess.candidate,
			State:     r.State,
			StartedAt: r.StartedAt,
			Warnings:  r.Warnings,
			Remaining: sess.mon.RemainingWarnings(),
			Tally:     r.Tally,
			Digest:    r.Digest,
		}
		sess.log.Info("session finished", "state", r.State, "warnings", len(r.Warnings))

		if r.State == store.StateStopped {
			summary := sess.result
			s.publish(sess.owner, &Event{
				Type:      EventSessionStopped,
				Timestamp: r.EndedAt,
				SessionID: sess.id,
				Summary:   &summary,
			})
		}
	})
	return sess.result
}

// persist seals r, exports it when an exporter is configured, and saves
// the outcome.
func (s *Server) persist(r *report.Report) error {
	if s.cfg.Exporter != nil {
		path, err := s.cfg.Exporter.Export(r)
		if err != nil {
			return err
		}
		s.log.Debug("report exported", "path", path)
	} else if err := r.Seal(); err != nil {
		return err
	}

	if s.cfg.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.cfg.Store.SaveOutcome(ctx, r.Outcome())
}

func (s *Server) audit(ev logging.AuditEvent) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Log(ev); err != nil {
		s.log.Warn("audit write failed", "error", err)
	}
}

func (s *Server) handleStopSession(p *peer, msg *Message) (*Message, error) {
	var req StopSessionRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid stop request"}
	}
	sess, err := s.lookup(p, req.SessionID)
	if err != nil {
		return nil, err
	}
	summary := s.finish(sess)
	return NewResponse(MsgStopSessionResp, msg.Header.RequestID, msg.Header.Flags, &StopSessionResponse{Summary: summary})
}

func (s *Server) handleBrowserEvent(p *peer, msg *Message) (*Message, error) {
	var req BrowserEventRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid browser event"}
	}
	kind, ok := browser.ParseKind(string(req.Event.Kind))
	if !ok {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "unknown event kind: " + string(req.Event.Kind)}
	}
	sess, err := s.lookupLive(p, req.SessionID)
	if err != nil {
		return nil, err
	}

	ev := req.Event
	ev.Kind = kind
	n := sess.bus.Dispatch(&ev)

	return NewResponse(MsgBrowserEventResp, msg.Header.RequestID, msg.Header.Flags, &BrowserEventResponse{
		Listeners:      n,
		PreventDefault: ev.Prevented(),
		ReturnValue:    ev.ReturnValue,
		Ack:            *sess.ack(),
	})
}

func (s *Server) handleObservation(p *peer, msg *Message) (*Message, error) {
	var req ObservationRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid observation"}
	}
	if !req.Observation.Type.Valid() {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "unknown violation type: " + string(req.Observation.Type)}
	}
	sess, err := s.lookupLive(p, req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.mon.Report(req.Observation)
	return NewResponse(MsgObservationResp, msg.Header.RequestID, msg.Header.Flags, sess.ack())
}

func (s *Server) handleGeometry(p *peer, msg *Message) (*Message, error) {
	var req GeometryRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid geometry"}
	}
	sess, err := s.lookupLive(p, req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.bus.SetGeometry(req.Geometry)
	return NewResponse(MsgGeometryResp, msg.Header.RequestID, msg.Header.Flags, sess.ack())
}

func (s *Server) handleDetection(p *peer, msg *Message) (*Message, error) {
	var req DetectionRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid detection"}
	}
	sess, err := s.lookupLive(p, req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.vis.push(req, s.clock.Now())
	return NewResponse(MsgDetectionResp, msg.Header.RequestID, msg.Header.Flags, sess.ack())
}
