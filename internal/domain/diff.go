package domain

import (
	"fmt"
	"sort"
	"time"
)

// Tracked subscription fields reported by SubscriptionDiff.
const (
	FieldStatus           = "status"
	FieldGroupID          = "group_id"
	FieldPrice            = "price"
	FieldPriceWithDisc    = "price_with_discount"
	FieldAcademicVacation = "academic_vacation"
	FieldVacationBeginOn  = "vacation_begin_on"
	FieldVacationEndOn    = "vacation_end_on"
	FieldExpelled         = "expelled"
	FieldCRMID            = "crm_id"
	FieldCRMModuleID      = "crm_module_id"
	FieldEducationBeginOn = "education_begin_on"
	FieldEducationEndOn   = "education_end_on"
	FieldBeginOn          = "begin_on"
	FieldEndOn            = "end_on"
	FieldOneTimePayment   = "one_time_payment"
	FieldItec             = "itec"
	FieldTransferTo       = "transfer_to_group_id"
)

// CRMTrackedFields lists the fields whose change must be pushed to the CRM.
var CRMTrackedFields = []string{
	FieldStatus,
	FieldGroupID,
	FieldPriceWithDisc,
	FieldAcademicVacation,
	FieldVacationBeginOn,
	FieldVacationEndOn,
	FieldExpelled,
	FieldBeginOn,
	FieldEndOn,
}

// FieldChange holds the rendered old and new value of a tracked field.
type FieldChange struct {
	From string
	To   string
}

// SubscriptionDiff is computed once per persistence call from the stored record before the write
// and the record as written. Before is nil for newly created subscriptions.
type SubscriptionDiff struct {
	Before  *GroupSubscription
	After   GroupSubscription
	changes map[string]FieldChange
}

// NewSubscriptionDiff compares the tracked fields of both snapshots.
func NewSubscriptionDiff(before *GroupSubscription, after GroupSubscription) SubscriptionDiff {
	var prev GroupSubscription
	if before != nil {
		prev = *before
	}
	pairs := []struct {
		field string
		from  string
		to    string
	}{
		{FieldStatus, string(prev.Status), string(after.Status)},
		{FieldGroupID, prev.GroupID, after.GroupID},
		{FieldPrice, formatInt(prev.Price), formatInt(after.Price)},
		{FieldPriceWithDisc, formatInt(prev.PriceWithDiscount), formatInt(after.PriceWithDiscount)},
		{FieldAcademicVacation, formatBool(prev.AcademicVacation), formatBool(after.AcademicVacation)},
		{FieldVacationBeginOn, formatDate(prev.VacationBeginOn), formatDate(after.VacationBeginOn)},
		{FieldVacationEndOn, formatDate(prev.VacationEndOn), formatDate(after.VacationEndOn)},
		{FieldExpelled, formatBool(prev.Expelled), formatBool(after.Expelled)},
		{FieldCRMID, formatString(prev.CRMID), formatString(after.CRMID)},
		{FieldCRMModuleID, formatString(prev.CRMModuleID), formatString(after.CRMModuleID)},
		{FieldEducationBeginOn, formatDate(prev.EducationBeginOn), formatDate(after.EducationBeginOn)},
		{FieldEducationEndOn, formatDate(prev.EducationEndOn), formatDate(after.EducationEndOn)},
		{FieldBeginOn, formatDate(prev.BeginOn), formatDate(after.BeginOn)},
		{FieldEndOn, formatDate(prev.EndOn), formatDate(after.EndOn)},
		{FieldOneTimePayment, formatBool(prev.OneTimePayment), formatBool(after.OneTimePayment)},
		{FieldItec, formatBool(prev.Itec), formatBool(after.Itec)},
		{FieldTransferTo, formatString(prev.TransferToGroupID), formatString(after.TransferToGroupID)},
	}

	changes := make(map[string]FieldChange)
	for _, pair := range pairs {
		if before == nil || pair.from != pair.to {
			changes[pair.field] = FieldChange{From: pair.from, To: pair.to}
		}
	}
	return SubscriptionDiff{Before: before, After: after, changes: changes}
}

// Created reports whether the save inserted a new record.
func (d SubscriptionDiff) Created() bool {
	return d.Before == nil
}

// Changed reports whether any of the given fields differ between the snapshots.
func (d SubscriptionDiff) Changed(fields ...string) bool {
	for _, field := range fields {
		if _, ok := d.changes[field]; ok {
			return true
		}
	}
	return false
}

// Change returns the recorded change for the field.
func (d SubscriptionDiff) Change(field string) (FieldChange, bool) {
	change, ok := d.changes[field]
	return change, ok
}

// ChangedFields returns the changed field names in lexical order.
func (d SubscriptionDiff) ChangedFields() []string {
	fields := make([]string, 0, len(d.changes))
	for field := range d.changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// StatusBecame reports whether the status moved into the given value with this save.
func (d SubscriptionDiff) StatusBecame(status SubscriptionStatus) bool {
	return d.After.Status == status && d.Changed(FieldStatus)
}

// ExpelledBecameTrue reports a false to true transition of the expelled flag.
func (d SubscriptionDiff) ExpelledBecameTrue() bool {
	return d.After.Expelled && d.Changed(FieldExpelled)
}

// ItecBecameTrue reports a transition of the itec flag into true.
func (d SubscriptionDiff) ItecBecameTrue() bool {
	return d.After.Itec && d.Changed(FieldItec)
}

// EducationDatesChanged reports whether either education date moved.
func (d SubscriptionDiff) EducationDatesChanged() bool {
	return d.Changed(FieldEducationBeginOn, FieldEducationEndOn)
}

// GroupTransferRequested reports whether a move into a different group was requested.
func (d SubscriptionDiff) GroupTransferRequested() bool {
	target := d.After.TransferToGroupID
	return target != nil && *target != "" && *target != d.After.GroupID
}

func formatInt(v int64) string {
	return fmt.Sprintf("%d", v)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatDate(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format("2006-01-02")
}
