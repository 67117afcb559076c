// Package timebase reconciles the reliable system clock with the audio
// hardware clock.
//
// The hardware clock is the time base audio events are scheduled against,
// but it is not trustworthy: some devices report the same value repeatedly
// while the host is busy, and a single reading can be wildly off. The system
// clock is trustworthy but drifts relative to the hardware clock.
//
// TimeBase keeps an offset (hardware minus system) and reports
// system + offset as the hardware-domain time. The offset is re-estimated at
// most once per reconcile interval and each re-estimation may move it by at
// most MaxStep, so one bogus reading shifts perceived time by at most 10ms.
//
// The current offset is published through an atomic pointer. The session
// loop is the only writer; an audio callback running on another thread may
// read it without locking.
package timebase
