//go:generate go run go.uber.org/mock/mockgen -source=observer.go -destination=../mocks/mock_observer.go -package=mocks
package exchange

// Observer receives client lifecycle notifications. Each registered client
// produces exactly one ClientConnected followed by exactly one
// ClientDisconnected. Calls arrive on arbitrary goroutines. ClientConnected
// runs with the client table locked and must not call back into the Registry.
type Observer interface {
	ClientConnected(id string)
	ClientDisconnected(id string)
}
