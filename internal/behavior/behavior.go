// Package behavior records storefront visitor activity and turns it into
// proactive suggestions.
package behavior

import (
	"time"
)

type EventType string

const (
	EventPageView          EventType = "page_view"
	EventScroll            EventType = "scroll"
	EventClick             EventType = "click"
	EventExitIntent        EventType = "exit_intent"
	EventCartAdd           EventType = "cart_add"
	EventCartUpdate        EventType = "cart_update"
	EventCheckoutStarted   EventType = "checkout_started"
	EventCheckoutCompleted EventType = "checkout_completed"
)

// maxVisitedPages caps the distinct URLs kept on a session item.
const maxVisitedPages = 200

// Event is immutable. PK = SESSION#<session>, SK = EVENT#<ts>#<uuid>.
type Event struct {
	PK              string         `dynamodbav:"PK"`
	SK              string         `dynamodbav:"SK"`
	SessionID       string         `dynamodbav:"SessionID"`
	AgentID         string         `dynamodbav:"AgentID"`
	EventType       EventType      `dynamodbav:"EventType"`
	PageURL         string         `dynamodbav:"PageURL"`
	ElementSelector string         `dynamodbav:"ElementSelector,omitempty"`
	ScrollDepth     int            `dynamodbav:"ScrollDepth"`
	TimeOnPage      int            `dynamodbav:"TimeOnPage"`
	EventData       map[string]any `dynamodbav:"EventData,omitempty"`
	CreatedAt       time.Time      `dynamodbav:"CreatedAt"`
}

// Session is upserted on every event. PK = AGENT#<agent>, SK = SESSION#<session>.
type Session struct {
	PK              string    `dynamodbav:"PK" json:"-"`
	SK              string    `dynamodbav:"SK" json:"-"`
	SessionID       string    `dynamodbav:"SessionID" json:"session_id"`
	AgentID         string    `dynamodbav:"AgentID" json:"agent_id"`
	FirstPageURL    string    `dynamodbav:"FirstPageURL" json:"first_page_url"`
	CurrentPageURL  string    `dynamodbav:"CurrentPageURL" json:"current_page_url"`
	Referrer        string    `dynamodbav:"Referrer,omitempty" json:"referrer,omitempty"`
	UserAgent       string    `dynamodbav:"UserAgent,omitempty" json:"user_agent,omitempty"`
	PageViews       int       `dynamodbav:"PageViews" json:"page_views"`
	TimeOnSite      int       `dynamodbav:"TimeOnSite" json:"time_on_site"`
	StartedAt       time.Time `dynamodbav:"StartedAt" json:"started_at"`
	PageStartedAt   time.Time `dynamodbav:"PageStartedAt" json:"page_started_at"`
	MaxScrollDepth  int       `dynamodbav:"MaxScrollDepth" json:"max_scroll_depth"`
	VisitedPages    []string  `dynamodbav:"VisitedPages,omitempty" json:"visited_pages,omitempty"`
	SuggestionCount int       `dynamodbav:"SuggestionCount" json:"suggestion_count"`
	UpdatedAt       time.Time `dynamodbav:"UpdatedAt" json:"updated_at"`
}

// SessionInfo carries client-side session details the widget already knows.
type SessionInfo struct {
	UserAgent    string `json:"user_agent,omitempty" validate:"omitempty,max=1024"`
	Referrer     string `json:"referrer,omitempty" validate:"omitempty,max=2048"`
	FirstPageURL string `json:"first_page_url,omitempty" validate:"omitempty,max=2048"`
	PageViews    *int   `json:"page_views,omitempty" validate:"omitempty,min=0"`
	TimeOnSite   *int   `json:"time_on_site,omitempty" validate:"omitempty,min=0"`
}

// EventInput is the body of POST /widget/events.
type EventInput struct {
	SessionID       string         `json:"session_id" validate:"required,max=128"`
	AgentID         string         `json:"agent_id" validate:"required,max=128"`
	EventType       EventType      `json:"event_type" validate:"required,oneof=page_view scroll click exit_intent cart_add cart_update checkout_started checkout_completed"`
	PageURL         string         `json:"page_url" validate:"required,max=2048"`
	ElementSelector string         `json:"element_selector,omitempty" validate:"omitempty,max=512"`
	ScrollDepth     *int           `json:"scroll_depth,omitempty" validate:"omitempty,min=0,max=100"`
	TimeOnPage      *int           `json:"time_on_page,omitempty" validate:"omitempty,min=0"`
	EventData       map[string]any `json:"event_data,omitempty"`
	Session         *SessionInfo   `json:"session,omitempty"`
}

// apply folds one event into the session.
func (s *Session) apply(in EventInput, now time.Time) {
	if s.StartedAt.IsZero() {
		s.StartedAt = now
		s.FirstPageURL = in.PageURL
	}
	if in.Session != nil {
		if in.Session.FirstPageURL != "" {
			s.FirstPageURL = in.Session.FirstPageURL
		}
		if in.Session.Referrer != "" {
			s.Referrer = in.Session.Referrer
		}
		if in.Session.UserAgent != "" {
			s.UserAgent = in.Session.UserAgent
		}
	}

	newPage := s.CurrentPageURL != in.PageURL
	if in.EventType == EventPageView || newPage {
		if in.EventType == EventPageView || s.PageViews == 0 {
			s.PageViews++
		}
		if newPage {
			s.PageStartedAt = now
			s.MaxScrollDepth = 0
		}
		s.CurrentPageURL = in.PageURL
		s.visit(in.PageURL)
	}
	if in.ScrollDepth != nil && *in.ScrollDepth > s.MaxScrollDepth {
		s.MaxScrollDepth = *in.ScrollDepth
	}
	if in.Session != nil && in.Session.PageViews != nil && *in.Session.PageViews > s.PageViews {
		s.PageViews = *in.Session.PageViews
	}

	s.TimeOnSite = s.elapsed(now)
	if in.Session != nil && in.Session.TimeOnSite != nil && *in.Session.TimeOnSite > s.TimeOnSite {
		s.TimeOnSite = *in.Session.TimeOnSite
	}
	s.UpdatedAt = now
}

func (s *Session) visit(u string) {
	for _, v := range s.VisitedPages {
		if v == u {
			return
		}
	}
	if len(s.VisitedPages) >= maxVisitedPages {
		return
	}
	s.VisitedPages = append(s.VisitedPages, u)
}

func (s *Session) elapsed(now time.Time) int {
	if s.StartedAt.IsZero() || now.Before(s.StartedAt) {
		return 0
	}
	return int(now.Sub(s.StartedAt) / time.Second)
}

// secondsOnPage prefers the widget's own measurement.
func (s *Session) secondsOnPage(in EventInput, now time.Time) int {
	if in.TimeOnPage != nil {
		return *in.TimeOnPage
	}
	if s.PageStartedAt.IsZero() || now.Before(s.PageStartedAt) {
		return 0
	}
	return int(now.Sub(s.PageStartedAt) / time.Second)
}
