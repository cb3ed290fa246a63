package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fxshare/detectord/internal/tracker"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	emails := s.tracked.Emails()
	violators := 0
	for _, email := range emails {
		u, ok := s.tracked.Get(email)
		if !ok {
			continue
		}
		if stage := u.Stage(); stage == tracker.StageViolator || stage == tracker.StageBanlisted {
			violators++
		}
	}

	s.respondJSON(w, http.StatusOK, statsResponse{
		UsersTracked:   len(emails),
		RequestsSeen:   s.stats.RequestsSeen(),
		ViolatorsCount: violators,
		ConnectedNodes: len(s.nodes.ConnectedNodes()),
		PanelLoaded:    s.roster.Loaded(),
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	emails := s.tracked.Emails()
	out := make([]userSummary, 0, len(emails))

	for _, email := range emails {
		u, ok := s.tracked.Get(email)
		if !ok {
			continue
		}
		limit, known := s.roster.Limit(email)
		out = append(out, userSummary{
			Email:         email,
			DeviceLimit:   limit,
			LimitKnown:    known,
			RecentIPCount: len(s.tracked.RecentIPs(email, s.cfg.ConcurrentWindow, now)),
			Stage:         string(u.Stage()),
		})
	}

	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleViolators(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	emails := s.tracked.Emails()
	out := make([]violatorSummary, 0)

	for _, email := range emails {
		u, ok := s.tracked.Get(email)
		if !ok {
			continue
		}
		stage := u.Stage()
		if stage != tracker.StageViolator && stage != tracker.StageBanlisted {
			continue
		}
		limit, _ := s.roster.Limit(email)
		out = append(out, violatorSummary{
			Email:       email,
			ObservedIPs: len(s.tracked.RecentIPs(email, s.cfg.ConcurrentWindow, now)),
			DeviceLimit: limit,
			Stage:       string(stage),
		})
	}

	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBanlist(w http.ResponseWriter, r *http.Request) {
	records, err := s.classified.BanlistEntries()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load banlist")
		return
	}

	out := make([]banlistEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, banlistEntry{
			Email:               rec.Email,
			FirstBanlistedAt:    rec.FirstBanlistedAt,
			LastSeenBanlistedAt: rec.LastSeenBanlistedAt,
			Reason:              rec.ReasonSnapshot,
		})
	}

	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBanlistClear(w http.ResponseWriter, r *http.Request) {
	records, err := s.classified.BanlistEntries()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load banlist")
		return
	}

	if err := s.classified.ClearBanlist(time.Now()); err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to clear banlist")
		return
	}

	s.respondJSON(w, http.StatusOK, banlistClearResponse{Cleared: len(records)})
}

func (s *Server) handleUserDetail(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	u, ok := s.tracked.Get(email)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown user")
		return
	}

	limit, known := s.roster.Limit(email)
	enrich := s.classified.Enrich()

	observations := u.Observations()
	obsOut := make([]observationDTO, 0, len(observations))
	for _, o := range observations {
		isp, _ := enrich.LookupISP(o.IP)
		obsOut = append(obsOut, observationDTO{
			IP:       o.IP,
			LastSeen: o.LastSeen,
			NodeID:   o.NodeID,
			ISP:      isp,
		})
	}

	recent := u.RecentRequests(0)
	recentOut := make([]recentRequestDTO, 0, len(recent))
	for _, o := range recent {
		recentOut = append(recentOut, recentRequestDTO{
			IP:          o.IP,
			RawIP:       o.RawIP,
			NodeID:      o.NodeID,
			ObservedAt:  o.ObservedAt,
			Protocol:    o.Protocol,
			Destination: o.Destination,
			Action:      o.Action,
		})
	}

	detail := userDetailResponse{
		Email:          email,
		DeviceLimit:    limit,
		LimitKnown:     known,
		Whitelisted:    s.roster.IsWhitelisted(email),
		Stage:          string(u.Stage()),
		Observations:   obsOut,
		RecentRequests: recentOut,
		TriggerTimes:   u.TriggerTimes(),
	}

	if vs := u.ViolatorSince(); !vs.IsZero() {
		detail.ViolatorSince = &vs
	}
	if bs := u.BanlistedSince(); !bs.IsZero() {
		detail.BanlistedSince = &bs
	}

	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.nodes.ConnectedNodes())
}

func (s *Server) handleSharedIPs(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.tracked.SharedIPs())
}
