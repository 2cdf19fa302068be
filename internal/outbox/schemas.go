package outbox

import platformevents "example.com/cragfeed/pkg/events"

const activityCreatedSchema = `{
  "type": "object",
  "title": "ActivityCreated",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "user_name": {"type": "string"},
    "action_type": {"type": "string", "enum": ["SEND", "FLASH", "COMMENT", "RATING", "VOTE", "ACHIEVEMENT"]},
    "route_id": {"type": "string"},
    "route_grade": {"type": "string"},
    "content": {"type": "string"},
    "created_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "user_name", "action_type", "created_at"],
  "additionalProperties": false
}`

const reactionChangedSchema = `{
  "type": "object",
  "title": "ReactionChanged",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "kind": {"type": "string", "enum": ["LIKE", "FIRE", "CELEBRATE"]},
    "present": {"type": "boolean"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "kind", "present", "occurred_at"],
  "additionalProperties": false
}`

const ratingChangedSchema = `{
  "type": "object",
  "title": "RatingChanged",
  "properties": {
    "route_id": {"type": "string"},
    "user_id": {"type": "string"},
    "stars": {"type": "integer", "minimum": 1, "maximum": 5},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["route_id", "user_id", "stars", "occurred_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	platformevents.TypeActivityCreated: {Schema: activityCreatedSchema},
	platformevents.TypeReactionChanged: {Schema: reactionChangedSchema},
	platformevents.TypeRatingChanged:   {Schema: ratingChangedSchema},
}
