package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestRegisterAppliesRequestedLevel(t *testing.T) {
	lr := newLevelRegistry()
	test.That(t, lr.setSubtreeLevel("train", WARN), test.ShouldBeNil)

	logger := NewBlankLogger("unregistered")
	lr.register("train.merge", logger)
	test.That(t, lr.loggers["train.merge"], test.ShouldEqual, logger)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)

	// siblings sharing a prefix are not descendants
	other := NewBlankLogger("unregistered")
	lr.register("trainer", other)
	test.That(t, other.GetLevel(), test.ShouldEqual, DEBUG)
}

func TestSetSubtreeLevel(t *testing.T) {
	lr := newLevelRegistry()
	root := NewBlankLogger("unregistered")
	child := NewBlankLogger("unregistered")
	lr.register("detect", root)
	lr.register("detect.db", child)

	test.That(t, lr.setSubtreeLevel("detect.db", ERROR), test.ShouldBeNil)
	test.That(t, root.GetLevel(), test.ShouldEqual, DEBUG)
	test.That(t, child.GetLevel(), test.ShouldEqual, ERROR)

	// the closest request wins for loggers created later
	late := NewBlankLogger("unregistered")
	lr.register("detect.db.sqlite", late)
	test.That(t, late.GetLevel(), test.ShouldEqual, ERROR)

	test.That(t, lr.setSubtreeLevel("detect", INFO), test.ShouldBeNil)
	test.That(t, root.GetLevel(), test.ShouldEqual, INFO)
	test.That(t, child.GetLevel(), test.ShouldEqual, INFO)
	test.That(t, late.GetLevel(), test.ShouldEqual, INFO)
	test.That(t, lr.requested, test.ShouldResemble, map[string]Level{"detect": INFO})

	test.That(t, lr.setSubtreeLevel("", INFO), test.ShouldNotBeNil)
}

func TestSubloggerFollowsUpdatedLevel(t *testing.T) {
	logger := NewBlankLogger("level-update")
	test.That(t, UpdateLoggerLevel("level-update", WARN), test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)

	sub := logger.Sublogger("stage")
	test.That(t, sub.GetLevel(), test.ShouldEqual, WARN)

	test.That(t, UpdateLoggerLevel("level-update.stage", ERROR), test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)
	test.That(t, sub.GetLevel(), test.ShouldEqual, ERROR)
}
