// Package submission carries uploaded plugin packages through automated
// validation and manual review to publication.
//
// Statuses only move forward along SUBMITTED, AUTOMATED_VALIDATION,
// QUEUED_FOR_REVIEW and APPROVED to PUBLISHED, or to REJECTED from either
// checking stage. PUBLISHED and REJECTED are terminal. A rejected package is
// resubmitted as a new submission that points at the old one.
//
// Every status change is a compare-and-set on the stored status, so two
// reviewers acting on one submission cannot both win. Published descriptors
// are announced on bounded event channels from the events package.
package submission
