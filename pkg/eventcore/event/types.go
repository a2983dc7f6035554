package event

// Task-management event types.
const (
	TaskCreated       = "task:created"
	TaskUpdated       = "task:updated"
	TaskStatusChanged = "task:status:changed"
	TaskRemoved       = "task:removed"

	SubtaskCreated       = "subtask:created"
	SubtaskUpdated       = "subtask:updated"
	SubtaskStatusChanged = "subtask:status:changed"
	SubtaskRemoved       = "subtask:removed"

	DependencyAdded       = "dependency:added"
	DependencyRemoved     = "dependency:removed"
	DependenciesSatisfied = "dependencies:satisfied"

	TasksBulkCreated       = "tasks:bulk:created"
	TasksBulkUpdated       = "tasks:bulk:updated"
	TasksBulkStatusChanged = "tasks:bulk:status:changed"

	TagCreated  = "tag:created"
	TagSwitched = "tag:switched"
	TagDeleted  = "tag:deleted"

	IntegrationSuccess = "integration:success"
	IntegrationError   = "integration:error"
)

// Wildcard matches every event type or topic.
const Wildcard = "*"

// Types lists every known event type.
var Types = []string{
	TaskCreated, TaskUpdated, TaskStatusChanged, TaskRemoved,
	SubtaskCreated, SubtaskUpdated, SubtaskStatusChanged, SubtaskRemoved,
	DependencyAdded, DependencyRemoved, DependenciesSatisfied,
	TasksBulkCreated, TasksBulkUpdated, TasksBulkStatusChanged,
	TagCreated, TagSwitched, TagDeleted,
	IntegrationSuccess, IntegrationError,
}

// BulkTypes are deferred to the queue instead of being dispatched inline.
var BulkTypes = []string{TasksBulkCreated, TasksBulkUpdated, TasksBulkStatusChanged}

// DefaultRequiredFields lists the data fields each known type must carry.
var DefaultRequiredFields = map[string][]string{
	TaskCreated:       {"taskId", "task"},
	TaskUpdated:       {"taskId", "task"},
	TaskStatusChanged: {"taskId", "task", "oldStatus", "newStatus"},
	TaskRemoved:       {"taskId", "task"},

	SubtaskCreated:       {"parentTaskId", "subtaskId"},
	SubtaskUpdated:       {"parentTaskId", "subtaskId"},
	SubtaskStatusChanged: {"parentTaskId", "subtaskId", "oldStatus", "newStatus"},
	SubtaskRemoved:       {"parentTaskId", "subtaskId"},

	DependencyAdded:   {"taskId", "dependsOn"},
	DependencyRemoved: {"taskId", "dependsOn"},

	TasksBulkCreated:       {"tasks"},
	TasksBulkUpdated:       {"tasks"},
	TasksBulkStatusChanged: {"tasks"},

	TagCreated:  {"tagName"},
	TagSwitched: {"tagName"},
	TagDeleted:  {"tagName"},
}
