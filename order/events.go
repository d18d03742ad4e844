package order

// EventKind 订单事件类型
type EventKind string

const (
	EventPlaced           EventKind = "Placed"
	EventActivated        EventKind = "Activated"
	EventExecutionStarted EventKind = "ExecutionStarted"
	EventExecuted         EventKind = "Executed"
	EventPartiallyFilled  EventKind = "PartiallyExecuted"
	EventRejected         EventKind = "Rejected"
	EventCancelled        EventKind = "Cancelled"
	EventChanged          EventKind = "Changed"
)

// ChangedProperty 订单变更的字段
type ChangedProperty string

const (
	ChangedNone      ChangedProperty = "None"
	ChangedPrice     ChangedProperty = "Price"
	ChangedVolume    ChangedProperty = "Volume"
	ChangedValidity  ChangedProperty = "Validity"
	ChangedForceOpen ChangedProperty = "ForceOpen"
)

// Event 订单事件，Order 字段为发布时的快照
type Event struct {
	Kind         EventKind
	Order        View
	Property     ChangedProperty
	OldValue     string
	CancelReason CancelReason
	// 原始订单对象，只在进程内同步订阅者中使用
	Source *Order
}

// NewEvent 根据订单当前状态构造事件
func NewEvent(kind EventKind, o *Order) Event {
	return Event{Kind: kind, Order: o.Snapshot(), Source: o}
}
