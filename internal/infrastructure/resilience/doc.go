/*
Package resilience provides a circuit breaker for unreliable collaborators.

The kernel's remote filesystem backend runs every request through a breaker
so a dead or flapping share fails fast with an I/O error instead of letting
tasks pile up behind transport timeouts.

# Usage

	breaker := resilience.New("remotefs", resilience.Settings{
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
	})

	result, err := breaker.Execute(func() (interface{}, error) {
		return client.Call()
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                             |
	                                         [failure]
	                                             v
	                                           Open

Closed passes requests through and tallies outcomes; Open rejects
immediately with ErrCircuitOpen; Half-Open admits a bounded number of
probes and closes again once enough of them succeed.
*/
package resilience
