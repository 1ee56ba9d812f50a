// Package reload watches configuration files and triggers debounced reloads.
//
// It backs hot reload of the plan catalog and the pricing table:
//
//	fw, err := reload.NewFileWatcher(&reload.Config{Path: "plans.yaml", Name: "plans"}, logger)
//	go fw.Watch(ctx, func() error { return catalog.ReloadFile("plans.yaml") })
//	defer fw.Stop()
package reload
