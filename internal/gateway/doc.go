// Package gateway is the composition root of the EMS API gateway.
//
// The Router sends each request to a healthy instance chosen by the load
// balancer, running the exchange through the retry executor under the
// service's circuit breaker. It is the single place where failures from
// the layers below are classified (see ErrorKind) and mapped to client
// statuses with StatusFor.
//
// Handler exposes the inbound surface on gin: proxied routes under the
// API prefix, the composite GET /health and GET /services views, the
// instance registration API and WebSocket passthrough. Gateway owns the
// listener and hot reload of the service catalog.
//
// # Usage
//
//	router := gateway.NewRouter(reg, lb, breakers, executor, forwarder)
//	router.Configure(cfg.Spec)
//
//	handler := gateway.NewHandler(router, reg)
//	gw, err := gateway.New(cfg, handler.Engine(), gateway.WithRouter(router))
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(ctx)
package gateway
