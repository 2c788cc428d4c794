package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/stretchr/testify/require"
)

// paidJob walks a job to CLOSED through a receipt, without archiving it.
func (env *testEnv) paidJob(t *testing.T) (*models.Job, *models.SalesDocument) {
	t.Helper()
	job := env.doneJob(t)
	doc, err := env.c.IssueDocument(env.ctx, env.owner, documentInput(job.ID, models.SalesDocumentTypeReceipt))
	require.NoError(t, err)
	_, err = env.c.SubmitDocument(env.ctx, env.owner, doc.ID)
	require.NoError(t, err)
	_, err = env.c.ConfirmPaid(env.ctx, env.owner, doc.ID)
	require.NoError(t, err)
	return env.job(t, job.ID), doc
}

func TestArchiveMovesJobAndActivities(t *testing.T) {
	env := newTestEnv(t, withoutArchiveOnPaid)
	job, _ := env.paidJob(t)
	require.False(t, job.IsArchived)
	live := env.countRows(t, "activities", job.ID)

	archived, err := env.c.Archive(env.ctx, env.manager, job.ID)
	require.NoError(t, err)
	require.True(t, archived.IsArchived)
	require.Equal(t, 2025, *archived.ArchiveYear)

	require.Zero(t, env.countRows(t, "activities", job.ID))
	require.Equal(t, live+1, env.countRows(t, models.ArchiveActivityTable(2025), job.ID))

	var tombstone models.Job
	require.NoError(t, env.c.Store.DB.Where("id = ?", job.ID).Take(&tombstone).Error)
	require.True(t, tombstone.IsArchived)
	require.Equal(t, models.JobStatusClosed, tombstone.Status)

	acts, err := env.c.ListActivities(env.ctx, env.owner, job.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "Archived to 2025", acts[0].Text)
}

func TestArchiveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.paidJob(t)
	require.True(t, job.IsArchived)
	activities := env.countRows(t, models.ArchiveActivityTable(2025), job.ID)

	for i := 0; i < 2; i++ {
		again, err := env.c.Archive(env.ctx, env.owner, job.ID)
		require.NoError(t, err)
		require.True(t, again.IsArchived)
		require.Equal(t, models.JobStatusClosed, again.Status)
	}

	require.Equal(t, activities, env.countRows(t, models.ArchiveActivityTable(2025), job.ID))
	var copies int64
	require.NoError(t, env.c.Store.DB.Table(models.ArchiveJobTable(2025)).Where("id = ?", job.ID).Count(&copies).Error)
	require.EqualValues(t, 1, copies)
}

func TestArchiveRefusesOpenJobs(t *testing.T) {
	env := newTestEnv(t)
	job := env.doneJob(t)

	_, err := env.c.Archive(env.ctx, env.owner, job.ID)
	requireKind(t, err, utils.KindInvalidTransition)
	require.False(t, env.job(t, job.ID).IsArchived)

	_, err = env.c.Archive(env.ctx, env.owner, "missing")
	requireKind(t, err, utils.KindNotFound)
}

func TestArchivedJobRejectsStateChanges(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.paidJob(t)

	_, err := env.c.TransferDepartment(env.ctx, env.owner, job.ID, models.DepartmentElectrical, true)
	requireKind(t, err, utils.KindInvalidTransition)
	_, err = env.c.MarkDone(env.ctx, env.owner, job.ID)
	requireKind(t, err, utils.KindInvalidTransition)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusClosed, got.Status)
	require.Equal(t, models.DepartmentMechanical, got.Department)
}

func TestAppendToArchivedJobNeedsElevatedRole(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.paidJob(t)
	before := env.countRows(t, models.ArchiveActivityTable(2025), job.ID)

	_, err := env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{Kind: models.ActivityKindNote, Text: "late photo"})
	requireKind(t, err, utils.KindPermissionDenied)

	photo, err := env.c.AppendActivity(env.ctx, env.owner, job.ID, models.NewActivity{
		Kind:      models.ActivityKindPhoto,
		PhotoRefs: []string{"jobs/x/pickup.jpg"},
	})
	require.NoError(t, err)

	require.Equal(t, before+1, env.countRows(t, models.ArchiveActivityTable(2025), job.ID))
	require.Zero(t, env.countRows(t, "activities", job.ID))

	got := env.job(t, job.ID)
	require.True(t, got.IsArchived)
	require.True(t, got.LastActivityAt.Equal(photo.CreatedAt))
}

func TestFindJobProbesArchivePartitions(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.paidJob(t)

	// the live tombstone may be purged; lookups fall back to the partitions
	require.NoError(t, env.c.Store.DB.Where("id = ?", job.ID).Delete(&models.Job{}).Error)

	got, err := env.c.FindJob(env.ctx, env.owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.JobNo, got.JobNo)
	require.True(t, got.IsArchived)

	acts, err := env.c.ListActivities(env.ctx, env.owner, job.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, acts)

	// archiving again resolves to the copy
	again, err := env.c.Archive(env.ctx, env.owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)

	_, err = env.c.FindJob(env.ctx, env.owner, "missing")
	requireKind(t, err, utils.KindNotFound)
}

func TestFindJobStopsAtArchiveHorizon(t *testing.T) {
	env := newTestEnv(t)
	job, _ := env.paidJob(t)
	require.NoError(t, env.c.Store.DB.Where("id = ?", job.ID).Delete(&models.Job{}).Error)

	// 2025 is outside a one-year horizon seen from 2027
	env.c.Settings.ArchiveHorizonYears = 1
	env.clock.Set(time.Date(2027, 1, 10, 0, 0, 0, 0, time.UTC))
	_, err := env.c.FindJob(env.ctx, env.owner, job.ID)
	requireKind(t, err, utils.KindNotFound)

	env.c.Settings.ArchiveHorizonYears = 5
	_, err = env.c.FindJob(env.ctx, env.owner, job.ID)
	require.NoError(t, err)
}

func TestSubscribeActivitiesPushesFreshLists(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)

	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()
	feed, err := env.c.SubscribeActivities(ctx, env.owner, job.ID, 10)
	require.NoError(t, err)

	select {
	case first := <-feed:
		require.Len(t, first, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	note, err := env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{Kind: models.ActivityKindNote, Text: "customer called"})
	require.NoError(t, err)

	select {
	case acts := <-feed:
		require.Len(t, acts, 2)
		require.Equal(t, note.ID, acts[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after append")
	}

	cancel()
	for range feed {
	}
}

func TestArchiveClosedJobsSweepsLiveClosedJobs(t *testing.T) {
	env := newTestEnv(t, withoutArchiveOnPaid)
	first, _ := env.paidJob(t)
	second, _ := env.paidJob(t)
	open := env.newJob(t)

	_, err := env.c.ArchiveClosedJobs(env.ctx, env.tech, 10)
	requireKind(t, err, utils.KindPermissionDenied)

	res, err := env.c.ArchiveClosedJobs(env.ctx, env.manager, 10)
	require.NoError(t, err)
	require.Equal(t, 2, res.Archived)
	require.Empty(t, res.Failed)
	require.True(t, env.job(t, first.ID).IsArchived)
	require.True(t, env.job(t, second.ID).IsArchived)
	require.False(t, env.job(t, open.ID).IsArchived)

	res, err = env.c.ArchiveClosedJobs(env.ctx, env.manager, 10)
	require.NoError(t, err)
	require.Zero(t, res.Archived)
}
