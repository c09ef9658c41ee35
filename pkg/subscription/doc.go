// Package subscription manages server-push subscriptions on top of a
// rpc.RequestManager.
//
// A subscription is registered with the node's subscribe method and gets an
// opaque id back. Notifications carrying that id are routed to the
// subscription's data handlers; notifications for unknown ids are dropped.
//
//	subs := subscription.NewManager(ctx, rm, subscription.DefaultConfig)
//	heads := subs.NewSubscription("newHeads")
//	heads.On(subscription.EventData, func(msg subscription.Message) {
//	    var h rpc.Header
//	    if err := heads.Decode(msg.Data, &h); err == nil {
//	        fmt.Println("head", uint64(h.Number))
//	    }
//	})
//	if err := heads.Resubscribe(ctx); err != nil {
//	    return err
//	}
//
// Subscriptions need a duplex provider (WebSocket or IPC). When the
// connection drops every subscription receives an error event and, with
// Config.Resubscribe, is registered again after the transport reconnects.
// Replacing the provider unsubscribes everything on a best-effort basis.
package subscription
