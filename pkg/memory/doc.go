// Package memory implements the resource ledger that tracks every live
// element, render-output node, event-listener attachment and disposable
// callback, and reclaims them in batches once elements are torn down.
//
// Unregistering an element does not free anything immediately. The element
// is moved to a disposal queue and reclaimed by the next
// [Manager.PerformBatchCleanup]. Reclaiming severs render output, detaches
// tracked listeners and runs disposers registered under the element's id.
// Disposers and listener detachment run outside the manager's lock, so they
// may call back into the manager.
//
// Leak detection is heuristic and read-only: [Manager.DetectLeaks] reports
// elements that stayed unmounted past a configured age and nodes whose owner
// is gone, but never reclaims them. [Manager.ForceCleanupUnmounted] is the
// explicit sweep.
//
// A [Profiler] keeps a bounded history of statistic snapshots for trend
// analysis.
package memory
