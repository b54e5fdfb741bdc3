// Package payment implements the billing collaborator used to settle
// storage quota overage.
package payment
