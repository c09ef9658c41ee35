// Package jsonrpc defines the JSON-RPC 2.0 messages exchanged with a
// blockchain node and the error taxonomy shared by every chainrpc package.
//
// A request on the wire:
//
//	{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber","params":[]}
//
// A reply carries the same id and either a result or an error object:
//
//	{"jsonrpc":"2.0","id":1,"result":"0x64"}
//	{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}
//
// A subscription push has no id:
//
//	{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xabc","result":{...}}}
//
// All three decode into Response.
package jsonrpc
