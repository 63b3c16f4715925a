package libdiff

// ChangeKind classifies a FieldDifference.
type ChangeKind int

const (
	FieldChanged ChangeKind = iota
	NewField
	RemovedField
	ArrayValueChanged
	ArrayValueAdded
	ArrayValueRemoved
	DocumentDeleted
	DocumentAddedToSession
)

var kindNames = [...]string{
	FieldChanged:           "field_changed",
	NewField:               "new_field",
	RemovedField:           "removed_field",
	ArrayValueChanged:      "array_value_changed",
	ArrayValueAdded:        "array_value_added",
	ArrayValueRemoved:      "array_value_removed",
	DocumentDeleted:        "document_deleted",
	DocumentAddedToSession: "document_added_to_session",
}

func (k ChangeKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
