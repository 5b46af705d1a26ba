// Package schema defines the entity records synchronised between the local
// store and the server.
//
// # Overview
//
// Every entity (customer, product, invoice, line item, business settings,
// template configuration) is stored as a Record: a shared envelope plus an
// opaque JSON payload. The envelope carries the client-generated id, the
// owning business, the updated_at timestamp and the server revision.
//
//	{
//	  "id": "inv_01J9ZQ3K8S7V4M2N6P0R5T1W3X",
//	  "business_id": "acme",
//	  "updated_at": "2026-01-10T07:36:29.104Z",
//	  "version": 4,
//	  "payload": {"customer_id": "c-123", "status": "draft", "issue_date": "2026-01-10"}
//	}
//
// # Payloads
//
// Payloads are validated against the typed views in models.go before they
// reach the store, so a malformed invoice is refused while offline instead of
// being rejected by the server later. Updates are partial payloads applied
// with Merge: top-level fields replace, null removes.
//
// # Indexed fields
//
// status, date, ref_id and name are extracted from the payload on every write
// (see IndexOf) and exist only to make local listing fast.
//
// # Versioning
//
// The store records Version in its schema_meta table. CheckVersion decides
// whether a stored layout is current, additively upgradable or must be
// rebuilt from a full sync.
package schema
