// Package rpc implements the request manager of chainrpc.
//
// A RequestManager owns the current provider (any transport.Transport),
// assigns request ids from a counter starting at 1 and validates every reply
// against the request it answers:
//
//	rm, err := rpc.NewRequestManager(ctx, "https://node.example.org", rpc.DefaultConfig)
//	if err != nil {
//	    return err
//	}
//	defer rm.Close()
//
//	var head hexutil.Uint64
//	if err := rm.Call(ctx, &head, "eth_blockNumber"); err != nil {
//	    return err
//	}
//
// # Errors
//
// A call the node rejected fails with *jsonrpc.Error. Everything else wraps
// one of the kinds in package jsonrpc, so errors.Is(err, jsonrpc.ErrProtocol)
// tells a misbehaving node apart from a refused call.
//
// # Batches
//
// A Batch sends several calls as one JSON-RPC array:
//
//	b := rm.NewBatch()
//	head, _ := b.Add("eth_blockNumber")
//	chain, _ := b.Add("eth_chainId")
//	if _, err := b.Execute(ctx); err != nil {
//	    return err
//	}
//
// The reply must answer exactly the ids that were sent. Nodes may reorder
// replies; a missing, extra or foreign id rejects the whole batch.
//
// # Registry
//
// Invoke calls methods by name through a Registry that formats arguments
// and results. EthRegistry covers the calls chainrpc itself needs.
package rpc
