// Package lanmesh manages peer discovery, invitation, and reliable
// message exchange among nearby devices on a local network, without a
// central server.
//
// A Mesh advertises the local peer, browses for others in the same
// service namespace, invites discovered peers into a shared session
// according to a configurable security policy, and multiplexes
// reliable sends across every connected peer. Discovery, invitation
// and session events arrive from independent goroutines; the Mesh
// serializes them against its single peer registry.
//
// Example:
//
//	opts := lanmesh.NewOptions()
//	opts.ServiceType = "whiteboard"
//	opts.DisplayName = "Alice"
//
//	mesh, err := lanmesh.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mesh.Close()
//
//	mesh.OnPeerFound(func(p *peer.Peer) {
//	    fmt.Printf("found %s\n", p.DisplayName)
//	})
//	mesh.OnDataReceived(func(payload []byte, sender string) {
//	    fmt.Printf("%s: %s\n", sender, payload)
//	})
//
//	mesh.Resume()
//	// ...
//	if err := mesh.Broadcast([]byte("hello")); err != nil {
//	    log.Print(err)
//	}
//
// Callbacks fire synchronously on whichever goroutine delivered the
// underlying transport event; hop to your own goroutine before doing
// significant work in them.
package lanmesh
