package changes

import (
	"strconv"
	"strings"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
)

// ForAllDocuments subscribes to changes of every document.
func (c *Changes) ForAllDocuments() (*Observable[api.DocumentChange], error) {
	return subscribe[api.DocumentChange](c, api.TypeDocumentChange, "all-docs",
		command{watch: "watch-docs", unwatch: "unwatch-docs"}, nil)
}

// ForDocument subscribes to changes of one document.
func (c *Changes) ForDocument(id string) (*Observable[api.DocumentChange], error) {
	return subscribe(c, api.TypeDocumentChange, "docs/"+id,
		command{watch: "watch-doc", unwatch: "unwatch-doc", param: id},
		func(ch *api.DocumentChange) bool { return caseless.Equal(ch.ID, id) })
}

// ForDocumentsStartingWith subscribes to changes of documents whose id
// starts with prefix.
func (c *Changes) ForDocumentsStartingWith(prefix string) (*Observable[api.DocumentChange], error) {
	fp := caseless.Fold(prefix)
	return subscribe(c, api.TypeDocumentChange, "prefixes/"+prefix,
		command{watch: "watch-prefix", unwatch: "unwatch-prefix", param: prefix},
		func(ch *api.DocumentChange) bool { return strings.HasPrefix(caseless.Fold(ch.ID), fp) })
}

// ForDocumentsInCollection subscribes to changes of documents of a
// collection.
func (c *Changes) ForDocumentsInCollection(name string) (*Observable[api.DocumentChange], error) {
	return subscribe(c, api.TypeDocumentChange, "collections/"+name,
		command{watch: "watch-collection", unwatch: "unwatch-collection", param: name},
		func(ch *api.DocumentChange) bool { return caseless.Equal(ch.CollectionName, name) })
}

// ForDocumentsWhere subscribes to changes of every document and delivers
// those matching an expression over the fields of api.DocumentChange.
func (c *Changes) ForDocumentsWhere(expression string) (*Observable[api.DocumentChange], error) {
	filter, err := compileFilter[api.DocumentChange](expression)
	if err != nil {
		return nil, err
	}
	return subscribe(c, api.TypeDocumentChange, "docs-where/"+expression,
		command{watch: "watch-docs", unwatch: "unwatch-docs"}, filter)
}

// ForAllIndexes subscribes to changes of every index.
func (c *Changes) ForAllIndexes() (*Observable[api.IndexChange], error) {
	return subscribe[api.IndexChange](c, api.TypeIndexChange, "all-indexes",
		command{watch: "watch-indexes", unwatch: "unwatch-indexes"}, nil)
}

// ForIndex subscribes to changes of one index.
func (c *Changes) ForIndex(name string) (*Observable[api.IndexChange], error) {
	return subscribe(c, api.TypeIndexChange, "indexes/"+name,
		command{watch: "watch-index", unwatch: "unwatch-index", param: name},
		func(ch *api.IndexChange) bool { return caseless.Equal(ch.Name, name) })
}

// ForAllOperations subscribes to status changes of every operation.
func (c *Changes) ForAllOperations() (*Observable[api.OperationStatusChange], error) {
	return subscribe[api.OperationStatusChange](c, api.TypeOperationStatusChange, "all-operations",
		command{watch: "watch-operations", unwatch: "unwatch-operations"}, nil)
}

// ForOperationID subscribes to status changes of one operation.
func (c *Changes) ForOperationID(id int64) (*Observable[api.OperationStatusChange], error) {
	sid := strconv.FormatInt(id, 10)
	return subscribe(c, api.TypeOperationStatusChange, "operations/"+sid,
		command{watch: "watch-operation", unwatch: "unwatch-operation", param: sid},
		func(ch *api.OperationStatusChange) bool { return ch.OperationID == id })
}

// ForAllCounters subscribes to changes of every counter.
func (c *Changes) ForAllCounters() (*Observable[api.CounterChange], error) {
	return subscribe[api.CounterChange](c, api.TypeCounterChange, "all-counters",
		command{watch: "watch-counters", unwatch: "unwatch-counters"}, nil)
}

// ForCounter subscribes to changes of counters with the given name, in any
// document.
func (c *Changes) ForCounter(name string) (*Observable[api.CounterChange], error) {
	return subscribe(c, api.TypeCounterChange, "counter/"+name,
		command{watch: "watch-counter", unwatch: "unwatch-counter", param: name},
		func(ch *api.CounterChange) bool { return caseless.Equal(ch.Name, name) })
}

// ForCountersOfDocument subscribes to changes of every counter of a
// document.
func (c *Changes) ForCountersOfDocument(id string) (*Observable[api.CounterChange], error) {
	return subscribe(c, api.TypeCounterChange, "document/"+id+"/counter",
		command{watch: "watch-document-counters", unwatch: "unwatch-document-counters", param: id},
		func(ch *api.CounterChange) bool { return caseless.Equal(ch.DocumentID, id) })
}

// ForCounterOfDocument subscribes to changes of one counter of a document.
func (c *Changes) ForCounterOfDocument(id, name string) (*Observable[api.CounterChange], error) {
	return subscribe(c, api.TypeCounterChange, "document/"+id+"/counter/"+name,
		command{watch: "watch-document-counter", unwatch: "unwatch-document-counter", params: []string{id, name}},
		func(ch *api.CounterChange) bool {
			return caseless.Equal(ch.DocumentID, id) && caseless.Equal(ch.Name, name)
		})
}

// ForAllTimeSeries subscribes to changes of every time series.
func (c *Changes) ForAllTimeSeries() (*Observable[api.TimeSeriesChange], error) {
	return subscribe[api.TimeSeriesChange](c, api.TypeTimeSeriesChange, "all-timeseries",
		command{watch: "watch-all-timeseries", unwatch: "unwatch-all-timeseries"}, nil)
}

// ForTimeSeries subscribes to changes of time series with the given name,
// in any document.
func (c *Changes) ForTimeSeries(name string) (*Observable[api.TimeSeriesChange], error) {
	return subscribe(c, api.TypeTimeSeriesChange, "timeseries/"+name,
		command{watch: "watch-timeseries", unwatch: "unwatch-timeseries", param: name},
		func(ch *api.TimeSeriesChange) bool { return caseless.Equal(ch.Name, name) })
}

// ForTimeSeriesOfDocument subscribes to changes of every time series of a
// document.
func (c *Changes) ForTimeSeriesOfDocument(id string) (*Observable[api.TimeSeriesChange], error) {
	return subscribe(c, api.TypeTimeSeriesChange, "document/"+id+"/timeseries",
		command{watch: "watch-all-document-timeseries", unwatch: "unwatch-all-document-timeseries", param: id},
		func(ch *api.TimeSeriesChange) bool { return caseless.Equal(ch.DocumentID, id) })
}

// ForTimeSeriesOfDocumentNamed subscribes to changes of one time series of
// a document.
func (c *Changes) ForTimeSeriesOfDocumentNamed(id, name string) (*Observable[api.TimeSeriesChange], error) {
	return subscribe(c, api.TypeTimeSeriesChange, "document/"+id+"/timeseries/"+name,
		command{watch: "watch-document-timeseries", unwatch: "unwatch-document-timeseries", params: []string{id, name}},
		func(ch *api.TimeSeriesChange) bool {
			return caseless.Equal(ch.DocumentID, id) && caseless.Equal(ch.Name, name)
		})
}

// ForTopologyChanges subscribes to topology changes, which the server
// pushes without a subscription command.
func (c *Changes) ForTopologyChanges() (*Observable[api.TopologyChange], error) {
	return subscribe[api.TopologyChange](c, api.TypeTopologyChange, "topology", command{}, nil)
}
