package events

import (
	"fmt"
	"strings"
)

// feedTemplate renders a Event's title/description/icon/deep-link. Only
// actions with a registered template produce an ActivityFeedItem (spec §3:
// "events with unknown actions produce no feed item").
type feedTemplate struct {
	title       string
	description string
	icon        string
	deepLink    func(eventableKind, eventableID string) string
}

// interpolate performs `{key}` substitution against particulars, following
// the minimal template style of the feed descriptions named in spec §4.4.
func (t feedTemplate) interpolate(particulars map[string]any) (title, description string) {
	return substitute(t.title, particulars), substitute(t.description, particulars)
}

func substitute(tmpl string, particulars map[string]any) string {
	out := tmpl
	for k, v := range particulars {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return out
}

// feedTemplates is the fixed registry of recognized actions. Extending it is
// how a new state transition earns a place in the activity feed.
var feedTemplates = map[string]feedTemplate{
	"request.completed": {
		title:       "Request completed",
		description: "Request {request_id} completed via {provider}/{model}",
		icon:        "check-circle",
		deepLink:    func(kind, id string) string { return "/requests/" + id },
	},
	"request.failed": {
		title:       "Request failed",
		description: "Request {request_id} failed: {error}",
		icon:        "alert-circle",
		deepLink:    func(kind, id string) string { return "/requests/" + id },
	},
	"request.cancelled": {
		title:       "Request cancelled",
		description: "Request {request_id} was cancelled",
		icon:        "slash-circle",
		deepLink:    func(kind, id string) string { return "/requests/" + id },
	},
	"deliverable.pending_review": {
		title:       "Deliverable needs review",
		description: "Deliverable {deliverable_id} scored {score} and is awaiting manual review",
		icon:        "eye",
		deepLink:    func(kind, id string) string { return "/deliverables/" + id },
	},
	"deliverable.approved": {
		title:       "Deliverable approved",
		description: "Deliverable {deliverable_id} was approved",
		icon:        "thumbs-up",
		deepLink:    func(kind, id string) string { return "/deliverables/" + id },
	},
	"deliverable.rejected": {
		title:       "Deliverable rejected",
		description: "Deliverable {deliverable_id} was rejected: {reason}",
		icon:        "thumbs-down",
		deepLink:    func(kind, id string) string { return "/deliverables/" + id },
	},
	"request.created": {
		title:       "Request created",
		description: "Request {request_id} was submitted",
		icon:        "file-plus",
		deepLink:    func(kind, id string) string { return "/requests/" + id },
	},
	"request.queued": {
		title:       "Request queued",
		description: "Request {request_id} entered the {provider}/{model} queue",
		icon:        "clock",
		deepLink:    func(kind, id string) string { return "/requests/" + id },
	},
	"request.processing": {
		title:       "Request processing",
		description: "Request {request_id} dispatched to {provider}/{model}",
		icon:        "loader",
		deepLink:    func(kind, id string) string { return "/requests/" + id },
	},
	"deliverable.created": {
		title:       "Deliverable created",
		description: "Deliverable {deliverable_id} recorded for request {request_id}",
		icon:        "file",
		deepLink:    func(kind, id string) string { return "/deliverables/" + id },
	},
	"deliverable.delivered": {
		title:       "Deliverable delivered",
		description: "Deliverable {deliverable_id} delivered for request {request_id}",
		icon:        "check-circle",
		deepLink:    func(kind, id string) string { return "/deliverables/" + id },
	},
}

// deepLink produces the template's deep link for the given event, or "" if
// no template is registered for action.
func deepLink(action, kind, id string) string {
	t, ok := feedTemplates[action]
	if !ok {
		return ""
	}
	return t.deepLink(kind, id)
}
