// Package api exposes the REST surface for submitting payments, driving
// approval sessions, managing user settings, and retrieving audit artifacts.
package api
