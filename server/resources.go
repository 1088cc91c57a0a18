package server

import (
	"net/http"

	"github.com/ggoodman/credgate/access"
	"github.com/ggoodman/credgate/attr"
)

// minimumAge gates the age-restricted resource.
const minimumAge = 18

// profileAttributes are echoed back by the profile resource when disclosed.
var profileAttributes = []string{"isOver18", "country", "email", "name"}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	profile := make(attr.Attributes)
	for _, name := range profileAttributes {
		if v, ok := sess.Attributes.Lookup(name); ok {
			profile[name] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holderId": sess.HolderID,
		"profile":  profile,
	})
}

func (s *Server) handlePremium(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	sub, err := access.CheckSubscription(sess.Attributes, s.now())
	if err != nil {
		s.fail(w, r, "resource.premium.denied", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holderId":     sess.HolderID,
		"subscription": sub,
	})
}

func (s *Server) handleFinancial(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	assessment, err := access.AssessCredit(sess.Attributes)
	if err != nil {
		s.fail(w, r, "resource.financial.denied", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holderId":   sess.HolderID,
		"assessment": assessment,
	})
}

func (s *Server) handleAgeRestricted(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	age, err := access.VerifyAge(sess.Attributes, minimumAge)
	if err != nil {
		s.fail(w, r, "resource.age_restricted.denied", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holderId":     sess.HolderID,
		"verification": age,
	})
}
