package http_api

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", metricsHandler())

	api := s.router.Group("/api/v1")
	api.POST("/tips", s.tipChapter)
	api.POST("/approvals", s.approve)
	api.POST("/approvals/standing", s.registerStandingApproval)
	api.GET("/permissions/:user_id", s.permissionStatus)
	api.GET("/settlements/:tx_hash", s.settlementStatus)
	api.GET("/chapters/:chapter_id", s.chapterLedger)
}
