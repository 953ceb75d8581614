package storageapi

import (
	"fmt"
	"strings"
)

// Stages a bucket may live in.
const (
	StageIn  = "in"
	StageOut = "out"
)

// BucketID identifies a bucket as "<stage>.<name>", e.g. "in.c-main".
type BucketID struct {
	Stage string
	Name  string
}

func (b BucketID) String() string {
	return b.Stage + "." + b.Name
}

// Table returns the id of a table inside this bucket.
func (b BucketID) Table(name string) TableID {
	return TableID{Stage: b.Stage, Bucket: b.Name, Table: name}
}

// TableID identifies a table as "<stage>.<bucket>.<table>".
type TableID struct {
	Stage  string
	Bucket string
	Table  string
}

func (t TableID) String() string {
	return t.Stage + "." + t.Bucket + "." + t.Table
}

// BucketID returns the id of the bucket holding the table.
func (t TableID) BucketID() BucketID {
	return BucketID{Stage: t.Stage, Name: t.Bucket}
}

// IsZero reports whether the id is unset.
func (t TableID) IsZero() bool {
	return t == TableID{}
}

// ParseTableID accepts "<stage>.<bucket>.<table>" with a known stage and
// non-empty parts. Only the first two dots separate parts, so the table
// name itself may contain dots.
func ParseTableID(s string) (TableID, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return TableID{}, fmt.Errorf("invalid table id '%s': expected <stage>.<bucket>.<table>", s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return TableID{}, fmt.Errorf("invalid table id '%s': empty part", s)
		}
	}
	if !isStage(parts[0]) {
		return TableID{}, fmt.Errorf("invalid table id '%s': stage must be '%s' or '%s'", s, StageIn, StageOut)
	}
	return TableID{Stage: parts[0], Bucket: parts[1], Table: parts[2]}, nil
}

// IsTableID reports whether s parses as a table id.
func IsTableID(s string) bool {
	_, err := ParseTableID(s)
	return err == nil
}

// ParseBucketID accepts "<stage>.<name>".
func ParseBucketID(s string) (BucketID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return BucketID{}, fmt.Errorf("invalid bucket id '%s': expected <stage>.<bucket>", s)
	}
	if !isStage(parts[0]) {
		return BucketID{}, fmt.Errorf("invalid bucket id '%s': stage must be '%s' or '%s'", s, StageIn, StageOut)
	}
	return BucketID{Stage: parts[0], Name: parts[1]}, nil
}

func isStage(s string) bool {
	return s == StageIn || s == StageOut
}

// BranchBucketName rewrites "c-name" to "c-<branchID>-name". Names without
// the "c-" prefix get the branch id prepended.
func BranchBucketName(name, branchID string) string {
	if strings.HasPrefix(name, "c-") {
		return "c-" + branchID + "-" + strings.TrimPrefix(name, "c-")
	}
	return branchID + "-" + name
}
