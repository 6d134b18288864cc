package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bot-fleet-engine/internal/auth"
	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/autopilot"
	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/risk"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, autopilot.ErrBotNotFound),
		errors.Is(err, autonomy.ErrSuggestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, autopilot.ErrFleetFull),
		errors.Is(err, autopilot.ErrOpenPositions),
		errors.Is(err, autopilot.ErrBotArchived),
		errors.Is(err, autonomy.ErrSuggestionNotActive):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrInvalidSpec),
		errors.Is(err, fleet.ErrInvalidAmount),
		errors.Is(err, fleet.ErrInsufficientBalance),
		errors.Is(err, risk.ErrInvalidConfig),
		errors.Is(err, autonomy.ErrInvalidConfig),
		errors.Is(err, autonomy.ErrInvalidLevel):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).WithError(err).Error("Request failed", "path", c.FullPath())
	}
	errorResponse(c, code, err.Error())
}

func queryInt(c *gin.Context, key string, def, min, max int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ============================================================================
// STATUS
// ============================================================================

// handleStatus returns a fleet overview
func (s *Server) handleStatus(c *gin.Context) {
	bots := s.engine.Bots()
	running, archived, open := 0, 0, 0
	var pnl float64
	for _, b := range bots {
		switch {
		case b.Running():
			running++
		case b.Status == fleet.StatusArchived:
			archived++
		}
		open += len(b.Positions)
		pnl += b.Stats.TotalPnL
	}
	status := gin.H{
		"bots":           len(bots),
		"running":        running,
		"archived":       archived,
		"open_positions": open,
		"total_pnl":      pnl,
		"paused":         s.engine.Governor().Paused(),
		"opportunities":  len(s.engine.Opportunities()),
		"operator":       auth.GetOperator(c),
	}
	if s.autonomy != nil {
		status["autonomy_level"] = s.autonomy.Level()
	}
	if s.hub != nil {
		status["ws_clients"] = s.hub.GetClientCount()
	}
	successResponse(c, status)
}

// handleEventFeed returns recent events, newest first
func (s *Server) handleEventFeed(c *gin.Context) {
	if s.eventBus == nil {
		successResponse(c, []events.Event{})
		return
	}
	limit := queryInt(c, "limit", 50, 1, events.DefaultFeedSize)
	successResponse(c, s.eventBus.Recent(events.Category(c.Query("category")), limit))
}

// handleRadar returns the ranked opportunities of the last scan
func (s *Server) handleRadar(c *gin.Context) {
	successResponse(c, s.engine.Opportunities())
}

// ============================================================================
// BOT HANDLERS
// ============================================================================

func (s *Server) handleListBots(c *gin.Context) {
	bots := s.engine.Bots()
	if c.Query("archived") != "true" {
		active := bots[:0]
		for _, b := range bots {
			if b.Status != fleet.StatusArchived {
				active = append(active, b)
			}
		}
		bots = active
	}
	successResponse(c, bots)
}

func (s *Server) handleGetBot(c *gin.Context) {
	bot, err := s.engine.Bot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, bot)
}

// handleCreateBot creates an idle bot; ?start=true also starts it
func (s *Server) handleCreateBot(c *gin.Context) {
	var spec fleet.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	spec.AutoCreated = false
	ctx := c.Request.Context()
	bot, err := s.engine.CreateBot(ctx, spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Bot created via API", "bot_id", bot.ID, "operator", auth.GetOperator(c))
	if c.Query("start") == "true" {
		if err := s.engine.StartBot(ctx, bot.ID); err != nil {
			s.fail(c, err)
			return
		}
		bot, _ = s.engine.Bot(bot.ID)
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": bot})
}

func (s *Server) handleStartBot(c *gin.Context) {
	if err := s.engine.StartBot(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	s.respondBot(c)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context, def string) string {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		return def
	}
	return req.Reason
}

func (s *Server) handleStopBot(c *gin.Context) {
	reason := bindReason(c, "Stopped by "+auth.GetOperator(c))
	if err := s.engine.StopBot(c.Param("id"), reason); err != nil {
		s.fail(c, err)
		return
	}
	s.respondBot(c)
}

func (s *Server) handleClosePositions(c *gin.Context) {
	reason := bindReason(c, "Manual close")
	if err := s.engine.ClosePositions(c.Param("id"), reason); err != nil {
		s.fail(c, err)
		return
	}
	s.respondBot(c)
}

func (s *Server) handleArchiveBot(c *gin.Context) {
	reason := bindReason(c, "Archived by "+auth.GetOperator(c))
	if err := s.engine.ArchiveBot(c.Param("id"), reason); err != nil {
		s.fail(c, err)
		return
	}
	s.respondBot(c)
}

func (s *Server) handleRestoreBot(c *gin.Context) {
	if err := s.engine.RestoreBot(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	s.respondBot(c)
}

// handleDeleteBot refuses bots with open positions unless ?force=true
func (s *Server) handleDeleteBot(c *gin.Context) {
	id := c.Param("id")
	var err error
	if c.Query("force") == "true" {
		err = s.engine.ForceDeleteBot(c.Request.Context(), id)
	} else {
		err = s.engine.DeleteBot(c.Request.Context(), id)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Bot deleted via API", "bot_id", id, "operator", auth.GetOperator(c))
	successResponse(c, gin.H{"deleted": id})
}

type transferRequest struct {
	From   string  `json:"from" binding:"required"`
	To     string  `json:"to" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.TransferBalance(req.From, req.To, req.Amount); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"from": req.From, "to": req.To, "amount": req.Amount})
}

func (s *Server) handleBotRisk(c *gin.Context) {
	st, err := s.engine.BotRiskStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, st)
}

func (s *Server) handleBotJournal(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Bot(id); err != nil {
		s.fail(c, err)
		return
	}
	if s.journal == nil {
		errorResponse(c, http.StatusNotImplemented, "trade journal is not configured")
		return
	}
	entries, err := s.journal.RecentTrades(c.Request.Context(), id, queryInt(c, "limit", 50, 1, 500))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, entries)
}

func (s *Server) respondBot(c *gin.Context) {
	bot, err := s.engine.Bot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, bot)
}

// ============================================================================
// RISK HANDLERS
// ============================================================================

func (s *Server) handleGetRiskConfig(c *gin.Context) {
	g := s.engine.Governor()
	successResponse(c, gin.H{
		"config":    g.Config(),
		"paused":    g.Paused(),
		"cooldowns": g.Cooldowns().Open(time.Now()),
	})
}

func (s *Server) handleUpdateRiskConfig(c *gin.Context) {
	cfg := s.engine.Governor().Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.Governor().UpdateConfig(c.Request.Context(), cfg); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Risk config updated via API", "operator", auth.GetOperator(c))
	successResponse(c, s.engine.Governor().Config())
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	reason := bindReason(c, "Emergency stop by "+auth.GetOperator(c))
	n := s.engine.EmergencyStop(reason)
	successResponse(c, gin.H{"stopped": n, "reason": reason})
}

func (s *Server) handleResume(c *gin.Context) {
	s.engine.Resume()
	successResponse(c, gin.H{"paused": false})
}

func (s *Server) handlePositionHealth(c *gin.Context) {
	successResponse(c, s.engine.PositionHealth())
}

func (s *Server) handlePortfolio(c *gin.Context) {
	successResponse(c, s.engine.PortfolioHealth())
}

// ============================================================================
// LEARNING HANDLERS
// ============================================================================

func (s *Server) handleLearningReport(c *gin.Context) {
	bot, err := s.engine.Bot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, s.engine.Learning().Report(bot))
}

func (s *Server) handleLearningEffectiveness(c *gin.Context) {
	f := s.engine.Learning()
	successResponse(c, gin.H{
		"stats":         f.Stats(),
		"effectiveness": f.Effectiveness(),
	})
}

// ============================================================================
// AUTONOMY HANDLERS
// ============================================================================

func (s *Server) handleAutonomyStatus(c *gin.Context) {
	successResponse(c, s.autonomy.Status())
}

func (s *Server) handleSuggestions(c *gin.Context) {
	successResponse(c, s.autonomy.Suggestions())
}

func (s *Server) handleAutonomyHistory(c *gin.Context) {
	successResponse(c, s.autonomy.History())
}

type levelRequest struct {
	Level int `json:"level" binding:"required"`
}

func (s *Server) handleSetLevel(c *gin.Context) {
	var req levelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.autonomy.SetLevel(c.Request.Context(), req.Level); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Autonomy level set via API", "level", req.Level, "operator", auth.GetOperator(c))
	successResponse(c, s.autonomy.Status())
}

func (s *Server) handleClearOverride(c *gin.Context) {
	s.autonomy.ClearOverride(c.Request.Context())
	successResponse(c, s.autonomy.Status())
}

// handleConfigureAutonomy applies a JSON merge patch to the autonomy config
func (s *Server) handleConfigureAutonomy(c *gin.Context) {
	patch, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil || len(patch) == 0 {
		errorResponse(c, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	cfg, err := s.autonomy.Configure(c.Request.Context(), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, cfg)
}

func (s *Server) handleApproveSuggestion(c *gin.Context) {
	bot, err := s.autonomy.ApproveSuggestion(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, bot)
}

type sniperRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetSniper(c *gin.Context) {
	var req sniperRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	changes := s.autonomy.SetSniperEnabled(c.Request.Context(), req.Enabled)
	successResponse(c, gin.H{"enabled": req.Enabled, "changes": changes, "sniper": s.autonomy.GetSniperConfig()})
}

func (s *Server) handleSniperTune(c *gin.Context) {
	changes := s.autonomy.SniperAutoTune(c.Request.Context(), true)
	successResponse(c, gin.H{"changes": changes})
}

func (s *Server) handleToggleBlacklist(c *gin.Context) {
	listed := s.autonomy.ToggleBlacklist(c.Request.Context(), c.Param("symbol"))
	successResponse(c, gin.H{"symbol": c.Param("symbol"), "blacklisted": listed})
}
